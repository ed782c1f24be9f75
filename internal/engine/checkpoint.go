package engine

import (
	"context"
	"fmt"

	"github.com/atmx/bond-engine/internal/asset"
	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/model"
)

// Checkpoint records the share price of the bucket starting at t and
// settles every long and short maturing at t. t must be a bucket boundary
// no later than the latest checkpoint. A past bucket that was never touched
// takes the closest later recorded share price, or the current one.
// Checkpointing an already recorded bucket is a no-op.
func (p *Pool) Checkpoint(ctx context.Context, t uint64) error {
	return p.execute(ctx, "checkpoint", func(tx *tx, e env) (effect, error) {
		latest := p.latestCheckpoint(e.now)
		if t%p.config.CheckpointDuration != 0 || t > latest {
			return effect{}, fmt.Errorf("%w: %d (latest %d)", ErrInvalidCheckpointTime, t, latest)
		}
		_, err := p.checkpointFor(tx, t, e)
		return effect{}, err
	})
}

// LatestCheckpoint returns the start of the bucket containing the pool's
// current time.
func (p *Pool) LatestCheckpoint() uint64 {
	return p.latestCheckpoint(uint64(p.clock().Unix()))
}

// MissingCheckpoints lists, oldest first, the unrecorded buckets after the
// last recorded checkpoint. Positions open no later than that checkpoint,
// so buckets more than one position duration past it hold no maturities
// and only the latest of them is listed.
func (p *Pool) MissingCheckpoints() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	latest := p.latestCheckpoint(uint64(p.clock().Unix()))
	var last uint64
	for t := range p.checkpoints {
		last = max(last, t)
	}
	if last == 0 {
		return []uint64{latest}
	}
	var missing []uint64
	end := min(last+p.config.PositionDuration, latest)
	for t := last + p.config.CheckpointDuration; t <= end; t += p.config.CheckpointDuration {
		missing = append(missing, t)
	}
	if latest > end {
		missing = append(missing, latest)
	}
	return missing
}

// CheckpointAt returns the recorded checkpoint for bucket t.
func (p *Pool) CheckpointAt(t uint64) (model.Checkpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp, ok := p.checkpoints[t]
	return cp, ok
}

// closestSharePrice finds the first recorded share price after bucket t,
// falling back to current.
func (p *Pool) closestSharePrice(t, latest uint64, current fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	for next := t + p.config.CheckpointDuration; next <= latest; next += p.config.CheckpointDuration {
		if cp, ok := p.checkpoints[next]; ok && !cp.SharePrice.IsZero() {
			return cp.SharePrice
		}
	}
	return current
}

// checkpointFor makes sure bucket t has a share price, using the closest
// later recorded price for an untouched past bucket.
func (p *Pool) checkpointFor(tx *tx, t uint64, e env) (fixedpoint.FixedPoint, error) {
	latest := p.latestCheckpoint(e.now)
	price := e.sharePrice
	if t < latest {
		price = p.closestSharePrice(t, latest, e.sharePrice)
	}
	return p.applyCheckpoint(tx, t, price, e)
}

// applyCheckpoint records sharePrice for bucket t if the bucket has none and
// has started, then settles positions maturing at t. It returns the
// bucket's share price.
func (p *Pool) applyCheckpoint(tx *tx, t uint64, sharePrice fixedpoint.FixedPoint, e env) (fixedpoint.FixedPoint, error) {
	cp := p.checkpoints[t]
	if !cp.SharePrice.IsZero() || t > e.now {
		return cp.SharePrice, nil
	}
	cp.SharePrice = sharePrice
	p.putCheckpoint(tx, t, cp)
	p.logger.Debug("checkpoint created", "time", t, "share_price", sharePrice)

	if longs := p.ledger.TotalSupply(asset.LongID(t)); !longs.IsZero() {
		shares := longs.DivDown(sharePrice)
		err := p.applyCloseLong(tx, longClose{
			bonds:           longs,
			checkpointBonds: longs,
			flatShareDelta:  shares,
			shareProceeds:   shares,
			maturity:        t,
		}, sharePrice)
		if err != nil {
			return fixedpoint.Zero(), err
		}
		p.logger.Debug("longs settled", "maturity", t, "bonds", longs)
	}

	if shorts := p.ledger.TotalSupply(asset.ShortID(t)); !shorts.IsZero() {
		shares := shorts.DivDown(sharePrice)
		err := p.applyCloseShort(tx, shortClose{
			bonds:           shorts,
			checkpointBonds: shorts,
			flatShareDelta:  shares,
			sharePayment:    shares,
			maturity:        t,
		})
		if err != nil {
			return fixedpoint.Zero(), err
		}
		p.logger.Debug("shorts settled", "maturity", t, "bonds", shorts)
	}
	return sharePrice, nil
}

// addBaseVolume credits base volume to the pool and to the bucket a
// position opened in.
func (p *Pool) addBaseVolume(tx *tx, t uint64, volume fixedpoint.FixedPoint, long bool) {
	cp := p.checkpoints[t]
	if long {
		p.state.LongBaseVolume = p.state.LongBaseVolume.Add(volume)
		cp.LongBaseVolume = cp.LongBaseVolume.Add(volume)
	} else {
		p.state.ShortBaseVolume = p.state.ShortBaseVolume.Add(volume)
		cp.ShortBaseVolume = cp.ShortBaseVolume.Add(volume)
	}
	p.putCheckpoint(tx, t, cp)
}

// removeBaseVolume removes the share of a bucket's base volume that
// belongs to bonds out of checkpointBonds closing.
func (p *Pool) removeBaseVolume(tx *tx, t uint64, bonds, checkpointBonds fixedpoint.FixedPoint, long bool) {
	cp, ok := p.checkpoints[t]
	if !ok || checkpointBonds.IsZero() {
		return
	}
	if long {
		volume := cp.LongBaseVolume.MulDivDown(bonds, checkpointBonds)
		p.state.LongBaseVolume = p.state.LongBaseVolume.SubOrZero(volume)
		cp.LongBaseVolume = cp.LongBaseVolume.SubOrZero(volume)
	} else {
		volume := cp.ShortBaseVolume.MulDivDown(bonds, checkpointBonds)
		p.state.ShortBaseVolume = p.state.ShortBaseVolume.SubOrZero(volume)
		cp.ShortBaseVolume = cp.ShortBaseVolume.SubOrZero(volume)
	}
	p.putCheckpoint(tx, t, cp)
}
