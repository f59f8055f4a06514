package perp

import (
	"crypto/sha256"
	"sort"
)

// BookChecksum hashes the aggregated levels of every book in symbol order:
// symbol, then bids high to low, then asks low to high, each level as its
// price and quantity strings. Two engines that processed the same order
// flow produce the same checksum, which makes it useful to compare a
// restored engine against the one that wrote the store.
func (a *App) BookChecksum() [32]byte {
	a.mu.RLock()
	symbols := make([]string, 0, len(a.markets))
	for sym := range a.markets {
		symbols = append(symbols, sym)
	}
	a.mu.RUnlock()
	sort.Strings(symbols)

	h := sha256.New()
	for _, sym := range symbols {
		ms, ok := a.state(sym)
		if !ok {
			continue
		}
		view := ms.book.View()
		h.Write([]byte(sym))
		h.Write([]byte{0})
		for _, lvl := range view.Bids {
			h.Write([]byte("b" + lvl.Price.String() + ":" + lvl.Quantity.String()))
			h.Write([]byte{0})
		}
		for _, lvl := range view.Asks {
			h.Write([]byte("a" + lvl.Price.String() + ":" + lvl.Quantity.String()))
			h.Write([]byte{0})
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
