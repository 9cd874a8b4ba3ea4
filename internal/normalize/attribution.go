package normalize

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"volumeflex/internal/model"
	"volumeflex/internal/retry"
)

type senderCache struct {
	mu   sync.RWMutex
	data map[common.Hash]common.Address
}

func newSenderCache() *senderCache {
	return &senderCache{data: make(map[common.Hash]common.Address)}
}

func (c *senderCache) get(tx common.Hash) (common.Address, bool) {
	c.mu.RLock()
	from, ok := c.data[tx]
	c.mu.RUnlock()
	return from, ok
}

func (c *senderCache) set(tx common.Hash, from common.Address) {
	c.mu.Lock()
	c.data[tx] = from
	c.mu.Unlock()
}

// attributable reports whether a log belongs to the wallet. Without broad
// scan, logs found by a wallet-topic query are attributable unless the sender
// check is forced; everything else requires tx.from to be the wallet.
func (n *Normalizer) attributable(ctx context.Context, log model.RawLog, wallet common.Address) (bool, error) {
	if log.AddressFiltered() && !n.cfg.RequireSender && !n.cfg.BroadScan {
		return true, nil
	}

	from, err := n.txSender(ctx, log.TxHash)
	if err != nil {
		return false, err
	}
	return from == wallet, nil
}

func (n *Normalizer) txSender(ctx context.Context, tx common.Hash) (common.Address, error) {
	if from, ok := n.senders.get(tx); ok {
		return from, nil
	}

	var from common.Address
	err := retry.Do(ctx, n.cfg.Retry, func(ctx context.Context) error {
		var err error
		from, err = n.chain.TransactionSender(ctx, tx)
		return err
	})
	if err != nil {
		return common.Address{}, err
	}
	n.senders.set(tx, from)
	return from, nil
}
