// Package mempool holds verified transactions waiting for a block.
package mempool

import (
	"time"

	"github.com/ahwlsqja/dbft-node/types"
)

// poolTx is a transaction plus the bookkeeping the pool orders and expires by.
type poolTx struct {
	tx   *types.Transaction
	hash types.Hash
	size int

	// 정렬 키
	feePerByte int64
	addedAt    time.Time

	// 진입 시점의 블록 높이
	height uint32
}

func newPoolTx(tx *types.Transaction, height uint32, now time.Time) *poolTx {
	return &poolTx{
		tx:         tx,
		hash:       tx.Hash(),
		size:       tx.Size(),
		feePerByte: tx.FeePerByte(),
		addedAt:    now,
		height:     height,
	}
}

// before reports whether p is ordered ahead of o: higher fee per byte, then
// higher network fee, then earlier arrival, then hash.
func (p *poolTx) before(o *poolTx) bool {
	if p.feePerByte != o.feePerByte {
		return p.feePerByte > o.feePerByte
	}
	if p.tx.NetworkFee != o.tx.NetworkFee {
		return p.tx.NetworkFee > o.tx.NetworkFee
	}
	if !p.addedAt.Equal(o.addedAt) {
		return p.addedAt.Before(o.addedAt)
	}
	for i := range p.hash {
		if p.hash[i] != o.hash[i] {
			return p.hash[i] < o.hash[i]
		}
	}
	return false
}

// Age returns how long the transaction has been in the pool.
func (p *poolTx) Age(now time.Time) time.Duration {
	return now.Sub(p.addedAt)
}
