/*
Package blockstore keeps the blocks validator has seen and answers the block
retrieval requests of the peers.
*/
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/keyvaluedb"
	"github.com/bftnet/bftnet/logger"
	"github.com/bftnet/bftnet/network"
	"github.com/bftnet/bftnet/network/protocol/consensus"
)

const (
	blockPrefix = "block_"
	headKey     = "head"
)

var ErrBlockNotFound = errors.New("block not found")

/*
BlockStore persists blocks in the key-value DB. Every block except genesis
must be inserted after its parent so the chain from any stored block back to
genesis is always complete.
*/
type BlockStore struct {
	storage keyvaluedb.KeyValueDB
	// serializes inserts, reads go straight to the DB
	lock sync.Mutex
	log  *slog.Logger
}

func blockKey(id types.HashValue) []byte {
	return append([]byte(blockPrefix), id[:]...)
}

/*
New creates block store backed by "db". Empty DB is initialized with the
genesis block.
*/
func New(db keyvaluedb.KeyValueDB, log *slog.Logger) (*BlockStore, error) {
	if db == nil {
		return nil, errors.New("storage is nil")
	}
	empty, err := db.Empty()
	if err != nil {
		return nil, fmt.Errorf("failed to read block store: %w", err)
	}
	if empty {
		if err := storeGenesisInit(db); err != nil {
			return nil, fmt.Errorf("initializing block store: %w", err)
		}
	}
	var gb types.Block
	if found, err := db.Read(blockKey(types.GenesisBlockID), &gb); err != nil || !found {
		return nil, errors.Join(errors.New("genesis block not found in the block store"), err)
	}
	return &BlockStore{storage: db, log: log}, nil
}

func storeGenesisInit(db keyvaluedb.KeyValueDB) (rErr error) {
	gb := types.MakeGenesisBlock()
	tx, err := db.StartTx()
	if err != nil {
		return err
	}
	defer func() {
		if rErr != nil {
			rErr = errors.Join(rErr, tx.Rollback())
		}
	}()
	if err := tx.Write(blockKey(gb.ID), gb); err != nil {
		return fmt.Errorf("persist genesis block: %w", err)
	}
	if err := tx.Write([]byte(headKey), gb.ID[:]); err != nil {
		return fmt.Errorf("persist head: %w", err)
	}
	return tx.Commit()
}

/*
Insert adds block "b" to the store, parent of the block must already be in
the store. Inserting block which is already stored is no-op. Head of the
store moves to the block when its round is higher than the round of the
current head.
*/
func (bs *BlockStore) Insert(b *types.Block) (rErr error) {
	if err := b.IsValid(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	bs.lock.Lock()
	defer bs.lock.Unlock()

	var tmp types.Block
	if found, err := bs.storage.Read(blockKey(b.ID), &tmp); err != nil {
		return fmt.Errorf("reading block: %w", err)
	} else if found {
		return nil
	}
	if found, err := bs.storage.Read(blockKey(b.ParentID()), &tmp); err != nil {
		return fmt.Errorf("reading parent block: %w", err)
	} else if !found {
		return fmt.Errorf("parent %s of the block %s: %w", b.ParentID(), b.ID, ErrBlockNotFound)
	}
	head, err := bs.head()
	if err != nil {
		return err
	}

	tx, err := bs.storage.StartTx()
	if err != nil {
		return fmt.Errorf("starting db transaction: %w", err)
	}
	defer func() {
		if rErr != nil {
			rErr = errors.Join(rErr, tx.Rollback())
		}
	}()
	if err := tx.Write(blockKey(b.ID), b); err != nil {
		return fmt.Errorf("persist block: %w", err)
	}
	if b.Round > head.Round {
		if err := tx.Write([]byte(headKey), b.ID[:]); err != nil {
			return fmt.Errorf("persist head: %w", err)
		}
	}
	return tx.Commit()
}

// Get returns block with id "id" or ErrBlockNotFound.
func (bs *BlockStore) Get(id types.HashValue) (*types.Block, error) {
	b := &types.Block{}
	found, err := bs.storage.Read(blockKey(id), b)
	if err != nil {
		return nil, fmt.Errorf("reading block %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("block %s: %w", id, ErrBlockNotFound)
	}
	return b, nil
}

// Head returns the block with the highest round in the store.
func (bs *BlockStore) Head() (*types.Block, error) {
	bs.lock.Lock()
	defer bs.lock.Unlock()
	return bs.head()
}

func (bs *BlockStore) head() (*types.Block, error) {
	var id []byte
	if found, err := bs.storage.Read([]byte(headKey), &id); err != nil || !found {
		return nil, errors.Join(errors.New("reading head of the block store"), err)
	}
	hv, err := types.HashValueFromBytes(id)
	if err != nil {
		return nil, fmt.Errorf("invalid head: %w", err)
	}
	return bs.Get(hv)
}

/*
GetBlocks returns up to "n" blocks starting from block "id" and following
the parent links, ie newest block first. Status is StatusIDNotFound when
block "id" is unknown and StatusNotEnoughBlocks when genesis was reached
before "n" blocks were collected.
*/
func (bs *BlockStore) GetBlocks(id types.HashValue, n uint64) ([]*types.Block, consensus.BlockRetrievalStatus, error) {
	if n == 0 {
		return nil, consensus.StatusIDNotFound, errors.New("number of blocks must be greater than zero")
	}
	b, err := bs.Get(id)
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return nil, consensus.StatusIDNotFound, nil
		}
		return nil, consensus.StatusIDNotFound, err
	}

	blocks := make([]*types.Block, 0, min(n, 100))
	for {
		blocks = append(blocks, b)
		if uint64(len(blocks)) == n {
			return blocks, consensus.StatusSucceeded, nil
		}
		if b.IsGenesis() {
			return blocks, consensus.StatusNotEnoughBlocks, nil
		}
		if b, err = bs.Get(b.ParentID()); err != nil {
			// Insert guarantees that the parent exists
			return nil, consensus.StatusIDNotFound, fmt.Errorf("broken chain: %w", err)
		}
	}
}

/*
Serve answers block retrieval requests read from "requests" until ctx is
cancelled or the channel is closed. Every request gets exactly one response.
*/
func (bs *BlockStore) Serve(ctx context.Context, requests <-chan *network.IncomingBlockRetrievalRequest) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			blocks, status, err := bs.GetBlocks(req.Request.BlockID, req.Request.NumBlocks)
			if err != nil {
				bs.log.ErrorContext(ctx, "loading blocks for retrieval request", logger.Peer(req.From), logger.Error(err))
			}
			if err := req.Respond(&consensus.BlockRetrievalResponse{Status: status, Blocks: blocks}); err != nil {
				bs.log.WarnContext(ctx, "responding to block retrieval request", logger.Peer(req.From), logger.Error(err))
			}
		}
	}
}
