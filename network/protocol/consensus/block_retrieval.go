package consensus

import (
	"errors"
	"fmt"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/consensus/verifier"
)

type BlockRetrievalStatus uint8

const (
	// StatusSucceeded - all requested blocks are in the response.
	StatusSucceeded BlockRetrievalStatus = iota
	// StatusIDNotFound - the first requested block is unknown to the responder.
	StatusIDNotFound
	// StatusNotEnoughBlocks - chain ended (genesis reached) before the requested
	// number of blocks was collected, response contains what was found.
	StatusNotEnoughBlocks
)

func (s BlockRetrievalStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusIDNotFound:
		return "ID_NOT_FOUND"
	case StatusNotEnoughBlocks:
		return "NOT_ENOUGH_BLOCKS"
	default:
		return fmt.Sprintf("BlockRetrievalStatus(%d)", uint8(s))
	}
}

/*
BlockRetrievalRequest asks for "NumBlocks" blocks starting from block
"BlockID" and following parent links.
*/
type BlockRetrievalRequest struct {
	_         struct{}        `cbor:",toarray"`
	BlockID   types.HashValue `json:"blockId"`
	NumBlocks uint64          `json:"numBlocks"`
}

func (x *BlockRetrievalRequest) IsValid() error {
	if x == nil {
		return errors.New("block retrieval request is nil")
	}
	if x.BlockID.IsZero() {
		return errors.New("block id is missing")
	}
	if x.NumBlocks == 0 {
		return errors.New("number of blocks must be greater than zero")
	}
	return nil
}

/*
BlockRetrievalResponse carries the requested blocks, newest first, ie
Blocks[i+1] is the parent of Blocks[i].
*/
type BlockRetrievalResponse struct {
	_      struct{}             `cbor:",toarray"`
	Status BlockRetrievalStatus `json:"status"`
	Blocks []*types.Block       `json:"blocks"`
}

/*
IsValid checks that response is consistent with the request "req": blocks
form a chain starting from the requested block and block count agrees with
the status.
*/
func (x *BlockRetrievalResponse) IsValid(req *BlockRetrievalRequest) error {
	if x == nil {
		return errors.New("block retrieval response is nil")
	}
	switch x.Status {
	case StatusIDNotFound:
		if len(x.Blocks) != 0 {
			return fmt.Errorf("status %s but response contains %d blocks", x.Status, len(x.Blocks))
		}
		return nil
	case StatusSucceeded:
		if uint64(len(x.Blocks)) != req.NumBlocks {
			return fmt.Errorf("status %s but response contains %d blocks, requested %d", x.Status, len(x.Blocks), req.NumBlocks)
		}
	case StatusNotEnoughBlocks:
		if uint64(len(x.Blocks)) >= req.NumBlocks {
			return fmt.Errorf("status %s but response contains %d blocks, requested %d", x.Status, len(x.Blocks), req.NumBlocks)
		}
	default:
		return fmt.Errorf("unknown status %s", x.Status)
	}

	if len(x.Blocks) == 0 {
		return errors.New("response contains no blocks")
	}
	if x.Blocks[0] == nil || x.Blocks[0].ID != req.BlockID {
		return errors.New("first block of the response is not the requested block")
	}
	for i := 1; i < len(x.Blocks); i++ {
		if x.Blocks[i] == nil || x.Blocks[i-1].ParentID() != x.Blocks[i].ID {
			return fmt.Errorf("block %d is not parent of the block %d", i, i-1)
		}
	}
	return nil
}

// Verify checks the response structure and every block in it.
func (x *BlockRetrievalResponse) Verify(req *BlockRetrievalRequest, vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(req); err != nil {
		return err
	}
	for i, b := range x.Blocks {
		if err := b.Verify(vv); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}
