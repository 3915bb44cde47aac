package state

import (
	"PerpSim/internal/event"

	"github.com/google/uuid"
)

// Loan is one trader's outstanding borrow against the pool in an asset.
type Loan struct {
	Amount     float64
	Collateral float64
}

// LoanBook indexes loans by trader, then asset.
type LoanBook struct {
	entries map[uuid.UUID]map[event.Asset]Loan
}

func NewLoanBook() *LoanBook {
	return &LoanBook{entries: make(map[uuid.UUID]map[event.Asset]Loan)}
}

// Add creates or increases a loan entry.
func (lb *LoanBook) Add(trader uuid.UUID, asset event.Asset, amount, collateral float64) {
	m, ok := lb.entries[trader]
	if !ok {
		m = make(map[event.Asset]Loan)
		lb.entries[trader] = m
	}
	l := m[asset]
	l.Amount += amount
	l.Collateral += collateral
	m[asset] = l
}

func (lb *LoanBook) Get(trader uuid.UUID, asset event.Asset) (Loan, bool) {
	l, ok := lb.entries[trader][asset]
	return l, ok
}

// Remove deletes a loan entry, dropping the trader when it was the last one.
// Returns false if there was no entry.
func (lb *LoanBook) Remove(trader uuid.UUID, asset event.Asset) bool {
	m, ok := lb.entries[trader]
	if !ok {
		return false
	}
	if _, ok := m[asset]; !ok {
		return false
	}
	delete(m, asset)
	if len(m) == 0 {
		delete(lb.entries, trader)
	}
	return true
}

// Len returns the number of traders with at least one loan.
func (lb *LoanBook) Len() int {
	return len(lb.entries)
}

func (lb *LoanBook) Clone() *LoanBook {
	c := NewLoanBook()
	for id, m := range lb.entries {
		cm := make(map[event.Asset]Loan, len(m))
		for a, l := range m {
			cm[a] = l
		}
		c.entries[id] = cm
	}
	return c
}
