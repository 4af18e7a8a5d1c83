package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// iconDownloadPause spaces icon downloads so a full catalog refresh does not
// hammer the exchange.
const iconDownloadPause = 250 * time.Millisecond

// CoinEntry is one payable coin-network with its memo requirement.
type CoinEntry struct {
	Coin         string `json:"coin"`
	Network      string `json:"network"`
	Name         string `json:"name"`
	RequiresMemo bool   `json:"requiresMemo"`
}

// CoinNetwork returns the combined coin-network identifier.
func (e CoinEntry) CoinNetwork() string {
	return e.Coin + "-" + e.Network
}

// Catalog caches the payable coin list and keeps the icon directory in sync
// with it.
type Catalog struct {
	mu      sync.RWMutex
	entries []CoinEntry
}

// Entries returns the cached coin list.
func (c *Catalog) Entries() []CoinEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CoinEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// RefreshCoins reloads the payable coin catalog from the exchange and
// downloads icons for any coin that does not have one yet. It returns the
// coin-networks that were not present before the refresh.
func (p *Processor) RefreshCoins(ctx context.Context, catalog *Catalog) ([]string, error) {
	coins, err := p.api.GetCoins(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch coin list: %w", err)
	}

	known := make(map[string]bool, len(catalog.Entries()))
	for _, entry := range catalog.Entries() {
		known[entry.CoinNetwork()] = true
	}

	var entries []CoinEntry
	var added []string
	for _, coin := range coins {
		memo := make(map[string]bool, len(coin.NetworksWithMemo))
		for _, network := range coin.NetworksWithMemo {
			memo[network] = true
		}
		for _, network := range coin.Networks {
			entry := CoinEntry{
				Coin:         coin.Coin,
				Network:      network,
				Name:         coin.Name,
				RequiresMemo: memo[network],
			}
			entries = append(entries, entry)
			if !known[entry.CoinNetwork()] {
				added = append(added, entry.CoinNetwork())
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CoinNetwork() < entries[j].CoinNetwork()
	})

	catalog.mu.Lock()
	catalog.entries = entries
	catalog.mu.Unlock()

	if p.cfg.IconDir != "" {
		if err := p.downloadMissingIcons(ctx, entries); err != nil {
			p.logger.Warn().Err(err).Msg("icon sync incomplete")
		}
	}

	p.logger.Info().Int("coins", len(entries)).Int("added", len(added)).
		Msg("coin catalog refreshed")
	return added, nil
}

// downloadMissingIcons fetches an SVG icon for every catalog entry that does
// not already have one on disk. Individual download failures are logged and
// skipped so one delisted coin cannot stall the sync.
func (p *Processor) downloadMissingIcons(ctx context.Context, entries []CoinEntry) error {
	if err := os.MkdirAll(p.cfg.IconDir, 0o755); err != nil {
		return fmt.Errorf("create icon dir: %w", err)
	}

	for _, entry := range entries {
		name := SanitizeCoinNetwork(entry.CoinNetwork()) + ".svg"
		path := filepath.Join(p.cfg.IconDir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}

		icon, err := p.api.GetCoinIcon(ctx, entry.CoinNetwork())
		if err != nil {
			p.logger.Warn().Err(err).Str("coin", entry.CoinNetwork()).
				Msg("icon download failed")
			continue
		}
		if err := os.WriteFile(path, icon, 0o644); err != nil {
			return fmt.Errorf("write icon %s: %w", name, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(iconDownloadPause):
		}
	}
	return nil
}
