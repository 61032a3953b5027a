package marketdata

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"trade-gateway/src/models"
)

// PriceScale converts feed decimals into the fixed-point representation used
// everywhere downstream: 10^Decimals.
const PriceScale = 10000

// Level is one aggregated price level, fixed-point scaled by PriceScale.
type Level struct {
	Price    int64
	Quantity int64
}

type bidItem Level

func (b *bidItem) Less(than btree.Item) bool {
	return b.Price > than.(*bidItem).Price // highest first
}

type askItem Level

func (a *askItem) Less(than btree.Item) bool {
	return a.Price < than.(*askItem).Price // lowest first
}

// Book mirrors the top of one symbol's order book from upstream depth
// snapshots. It carries no order identity, only aggregated levels; reads and
// writes arrive from independent goroutines, hence the lock.
type Book struct {
	Symbol string

	mu      sync.RWMutex
	bids    *btree.BTree
	asks    *btree.BTree
	updated int64 // unix milliseconds of last snapshot
}

func NewBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   btree.New(16),
		asks:   btree.New(16),
	}
}

// ReplaceSnapshot swaps in a fresh set of levels. Upstream sends full partial
// snapshots, so the previous trees are discarded wholesale.
func (b *Book) ReplaceSnapshot(bids, asks []Level) {
	newBids := btree.New(16)
	for i := range bids {
		item := bidItem(bids[i])
		newBids.ReplaceOrInsert(&item)
	}
	newAsks := btree.New(16)
	for i := range asks {
		item := askItem(asks[i])
		newAsks.ReplaceOrInsert(&item)
	}

	b.mu.Lock()
	b.bids = newBids
	b.asks = newAsks
	b.updated = time.Now().UnixMilli()
	b.mu.Unlock()
}

// Snapshot returns up to depth levels per side, bids highest-first and asks
// lowest-first, plus the time of the last upstream update.
func (b *Book) Snapshot(depth int) (bids, asks []models.PriceLevelInfo, updated int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = make([]models.PriceLevelInfo, 0, depth)
	b.bids.Ascend(func(item btree.Item) bool {
		lvl := item.(*bidItem)
		bids = append(bids, models.PriceLevelInfo{Price: lvl.Price, Quantity: lvl.Quantity})
		return len(bids) < depth
	})

	asks = make([]models.PriceLevelInfo, 0, depth)
	b.asks.Ascend(func(item btree.Item) bool {
		lvl := item.(*askItem)
		asks = append(asks, models.PriceLevelInfo{Price: lvl.Price, Quantity: lvl.Quantity})
		return len(asks) < depth
	})

	return bids, asks, b.updated
}

// BestBid returns the highest resting bid, if any.
func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item := b.bids.Min()
	if item == nil {
		return Level{}, false
	}
	return Level(*item.(*bidItem)), true
}

// BestAsk returns the lowest resting ask, if any.
func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item := b.asks.Min()
	if item == nil {
		return Level{}, false
	}
	return Level(*item.(*askItem)), true
}

// MirrorSet holds one Book per configured symbol. The set itself is fixed at
// construction; only book contents change at runtime.
type MirrorSet struct {
	books map[string]*Book
}

func NewMirrorSet(symbols []string) *MirrorSet {
	books := make(map[string]*Book, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(s)
		books[s] = NewBook(s)
	}
	return &MirrorSet{books: books}
}

func (m *MirrorSet) Get(symbol string) (*Book, bool) {
	b, ok := m.books[strings.ToUpper(symbol)]
	return b, ok
}

// Apply replaces the snapshot for symbol; unknown symbols are ignored.
func (m *MirrorSet) Apply(symbol string, bids, asks []Level) {
	if book, ok := m.Get(symbol); ok {
		book.ReplaceSnapshot(bids, asks)
	}
}

// ParseLevels converts upstream [price, quantity] string pairs into scaled
// levels, dropping rows that fail to parse.
func ParseLevels(raw [][]string) []Level {
	out := make([]Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err1 := parseScaled(pair[0])
		qty, err2 := parseScaled(pair[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Level{Price: price, Quantity: qty})
	}
	return out
}

func parseScaled(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f * PriceScale)), nil
}
