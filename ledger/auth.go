package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// The capability sets are independent: keepers trigger execution,
// recorders write opportunities, forwarders execute on behalf of a
// keeper. Membership is managed by the admin only.

// IsKeeper reports whether addr may trigger execution.
func (l *Ledger) IsKeeper(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keepers[addr]
}

// IsRecorder reports whether addr may record opportunities.
func (l *Ledger) IsRecorder(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recorders[addr]
}

// IsForwarder reports whether addr may execute on behalf of a keeper.
func (l *Ledger) IsForwarder(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forwarders[addr]
}

// SetKeeper grants or revokes the keeper capability.
func (l *Ledger) SetKeeper(caller, addr common.Address, allowed bool) error {
	return l.setCapability(caller, addr, allowed, "keeper", func() map[common.Address]bool { return l.keepers })
}

// SetRecorder grants or revokes the recorder capability.
func (l *Ledger) SetRecorder(caller, addr common.Address, allowed bool) error {
	return l.setCapability(caller, addr, allowed, "recorder", func() map[common.Address]bool { return l.recorders })
}

// SetForwarder grants or revokes the forwarder capability.
func (l *Ledger) SetForwarder(caller, addr common.Address, allowed bool) error {
	return l.setCapability(caller, addr, allowed, "forwarder", func() map[common.Address]bool { return l.forwarders })
}

// SetMaxAgeBlocks updates the opportunity age bound.
func (l *Ledger) SetMaxAgeBlocks(caller common.Address, blocks uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.admin {
		return fmt.Errorf("%w: admin only", ErrUnauthorizedCaller)
	}
	l.maxAgeBlocks = blocks
	return nil
}

// MaxAgeBlocks returns the current age bound.
func (l *Ledger) MaxAgeBlocks() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxAgeBlocks
}

func (l *Ledger) setCapability(caller, addr common.Address, allowed bool, name string, set func() map[common.Address]bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.admin {
		return fmt.Errorf("%w: admin only", ErrUnauthorizedCaller)
	}
	if allowed {
		set()[addr] = true
	} else {
		delete(set(), addr)
	}
	l.logger.Info("capability updated",
		zap.String("capability", name),
		zap.String("address", addr.Hex()),
		zap.Bool("allowed", allowed))
	return nil
}
