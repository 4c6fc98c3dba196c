package dashboard

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/terminaldweller/spikescan/coingecko"
	"github.com/terminaldweller/spikescan/registry"
	"github.com/terminaldweller/spikescan/spike"
)

const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeError   = "error"

	noDataMessage = "No market data available right now. Try again later."
	noSpikesText  = "No coins under $0.01 have spiked 20%+ in the last hour. Try again later."
)

type Fetcher interface {
	Fetch(ctx context.Context) (coingecko.Snapshot, error)
}

type Loader interface {
	Load(ctx context.Context) (registry.State, error)
}

type Notifier interface {
	Notify(coins []coingecko.Coin) (int, error)
}

type Options struct {
	SupportedOnly bool
	Debug         bool
}

type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Card is one rendered spike. TickerMatch is set when the platforms were found
// by symbol alone; symbols are not unique, so the listing may be a namesake.
type Card struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Symbol      string              `json:"symbol"`
	Price       decimal.Decimal     `json:"price"`
	Change1h    decimal.Decimal     `json:"change1h"`
	Rank        *int                `json:"rank"`
	Platforms   []registry.Platform `json:"platforms"`
	TickerMatch bool                `json:"tickerMatch"`
	PriceText   string              `json:"-"`
	ChangeText  string              `json:"-"`
	RankText    string              `json:"-"`
}

func (c Card) OnPlatform(platform registry.Platform) bool {
	for _, p := range c.Platforms {
		if p == platform {
			return true
		}
	}

	return false
}

type Result struct {
	CycleID           string              `json:"cycleId"`
	GeneratedAt       time.Time           `json:"generatedAt"`
	Cards             []Card              `json:"cards"`
	Notices           []Notice            `json:"notices"`
	NoData            bool                `json:"noData"`
	RegistryAvailable bool                `json:"registryAvailable"`
	SupportedOnly     bool                `json:"supportedOnly"`
	Window            string              `json:"window"`
	Raw               *coingecko.Snapshot `json:"raw,omitempty"`
	Filtered          *coingecko.Snapshot `json:"filtered,omitempty"`
}

func (r *Result) notice(level, message string) {
	r.Notices = append(r.Notices, Notice{Level: level, Message: message})
}

// Pipeline runs one fetch, filter, intersect cycle at a time.
type Pipeline struct {
	registry Loader
	client   Fetcher
	notifier Notifier
	now      func() time.Time
	mu       sync.Mutex
}

// NewPipeline wires the collaborators. notifier may be nil.
func NewPipeline(reg Loader, client Fetcher, notifier Notifier) *Pipeline {
	return &Pipeline{registry: reg, client: client, notifier: notifier, now: time.Now}
}

func (p *Pipeline) Run(ctx context.Context, opts Options) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := Result{
		CycleID:       uuid.New().String(),
		GeneratedAt:   p.now().UTC(),
		Cards:         []Card{},
		Notices:       []Notice{},
		SupportedOnly: opts.SupportedOnly,
	}

	logger := log.With().Str("cycle", result.CycleID).Logger()
	started := time.Now()

	defer func() {
		cycleDuration.Observe(time.Since(started).Seconds())
	}()

	state, err := p.registry.Load(ctx)
	result.Window = state.Window

	switch {
	case err == nil:
		result.RegistryAvailable = true

		registryLoads.WithLabelValues(loadLabel(state)).Inc()
	case errors.Is(err, registry.ErrCacheRead):
		registryLoads.WithLabelValues("cache_error").Inc()
		logger.Warn().Err(err).Msg("supported coin cache unreadable")
		result.notice(NoticeWarning, "Supported coin cache is unreadable; platform filtering is unavailable.")
	default:
		registryLoads.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("supported coin registry unavailable")
		result.notice(NoticeWarning, "Supported coin list could not be loaded; platform filtering is unavailable.")
	}

	for _, warning := range state.Warnings {
		sourceFailures.Inc()
		result.notice(NoticeWarning, warning)
	}

	snapshot, err := p.client.Fetch(ctx)
	if err != nil {
		result.NoData = true

		switch {
		case errors.Is(err, coingecko.ErrMalformedResponse):
			marketFetches.WithLabelValues("malformed").Inc()
			result.notice(NoticeError, "Market data response was malformed. "+noDataMessage)
		default:
			marketFetches.WithLabelValues("network_error").Inc()
			result.notice(NoticeError, "Market data request failed. "+noDataMessage)
		}

		logger.Error().Err(err).Msg("market data fetch failed")

		return result
	}

	marketFetches.WithLabelValues("ok").Inc()

	filtered := spike.Filter(snapshot)
	spikesDetected.Set(float64(filtered.Len()))

	if opts.Debug {
		result.Raw = &snapshot
		result.Filtered = &filtered
	}

	if opts.SupportedOnly && !result.RegistryAvailable {
		result.notice(NoticeInfo, "Showing all spikes because the supported coin list is unavailable.")
	}

	ordered := make([]coingecko.Coin, len(filtered.Coins))
	copy(ordered, filtered.Coins)
	spike.SortByChangeDesc(ordered)

	shown := make([]coingecko.Coin, 0, len(ordered))

	for _, coin := range ordered {
		var (
			platforms   []registry.Platform
			tickerMatch bool
		)

		if result.RegistryAvailable {
			platforms, tickerMatch = matchPlatforms(state, coin)
		}

		if opts.SupportedOnly && result.RegistryAvailable && len(platforms) == 0 {
			continue
		}

		card := newCard(coin, platforms)
		card.TickerMatch = tickerMatch
		result.Cards = append(result.Cards, card)
		shown = append(shown, coin)
	}

	if len(result.Cards) == 0 {
		result.notice(NoticeInfo, noSpikesText)
	}

	if p.notifier != nil && len(shown) > 0 {
		if _, err := p.notifier.Notify(shown); err != nil {
			logger.Error().Err(err).Msg("spike notification failed")
			result.notice(NoticeWarning, "Spike notification could not be sent.")
		}
	}

	logger.Info().
		Int("coins", snapshot.Len()).
		Int("spikes", filtered.Len()).
		Int("cards", len(result.Cards)).
		Msg("render cycle complete")

	return result
}

// matchPlatforms looks the coin up by id first and falls back to its symbol
// only when no platform lists the id.
func matchPlatforms(state registry.State, coin coingecko.Coin) ([]registry.Platform, bool) {
	if platforms := state.PlatformsFor(coin.ID); len(platforms) > 0 {
		return platforms, false
	}

	platforms := state.PlatformsFor(coin.Symbol)

	return platforms, len(platforms) > 0
}

func loadLabel(state registry.State) string {
	if state.Refreshed {
		return "refreshed"
	}

	return "cached"
}

func newCard(coin coingecko.Coin, platforms []registry.Platform) Card {
	card := Card{
		ID:         coin.ID,
		Name:       coin.Name,
		Symbol:     coin.Symbol,
		Price:      coin.Price.Decimal,
		Change1h:   coin.Change1h.Decimal,
		Rank:       coin.Rank,
		Platforms:  platforms,
		PriceText:  coin.Price.Decimal.StringFixed(6),
		ChangeText: coin.Change1h.Decimal.StringFixed(2),
		RankText:   "N/A",
	}

	if card.Platforms == nil {
		card.Platforms = []registry.Platform{}
	}

	if coin.Rank != nil && *coin.Rank > 0 {
		card.RankText = strconv.Itoa(*coin.Rank)
	}

	return card
}
