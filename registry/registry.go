// Package registry keeps the per-platform sets of supported coin identifiers,
// scraped at most once per schedule window and cached in a store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/terminaldweller/spikescan/store"
)

const (
	RegistryKey = "registry"
	WindowKey   = "registry_window"
)

var (
	ErrCacheRead        = errors.New("supported coin cache unreadable")
	ErrScrapeExtraction = errors.New("expected markers missing from scraped page")
	ErrNetwork          = errors.New("source request failed")
	ErrRefreshFailed    = errors.New("every source failed and no cache exists")
	ErrNoWindow         = errors.New("schedule has no recent window")
)

// record is the persisted shape: one lowercase list per platform.
type record struct {
	PrimaryExchange   []string `json:"primary-exchange"`
	SecondaryExchange []string `json:"secondary-exchange"`
	Brokerage         []string `json:"brokerage"`
}

func (r record) sets() map[Platform]map[string]struct{} {
	lists := map[Platform][]string{
		PrimaryExchange:   r.PrimaryExchange,
		SecondaryExchange: r.SecondaryExchange,
		Brokerage:         r.Brokerage,
	}

	sets := make(map[Platform]map[string]struct{}, len(lists))

	for platform, ids := range lists {
		set := make(map[string]struct{}, len(ids))
		for _, id := range normalize(ids) {
			set[id] = struct{}{}
		}

		sets[platform] = set
	}

	return sets
}

func recordFromSets(sets map[Platform]map[string]struct{}) record {
	list := func(p Platform) []string {
		out := make([]string, 0, len(sets[p]))
		for id := range sets[p] {
			out = append(out, id)
		}

		sort.Strings(out)

		return out
	}

	return record{
		PrimaryExchange:   list(PrimaryExchange),
		SecondaryExchange: list(SecondaryExchange),
		Brokerage:         list(Brokerage),
	}
}

// State is a read-only view of the registry as of one Load.
type State struct {
	sets map[Platform]map[string]struct{}
	// Window is the wall-clock label of the refresh window, "HH:00".
	Window    string
	Refreshed bool
	Warnings  []string
}

func emptySets() map[Platform]map[string]struct{} {
	sets := make(map[Platform]map[string]struct{}, len(Platforms))
	for _, p := range Platforms {
		sets[p] = map[string]struct{}{}
	}

	return sets
}

// NewState builds a state from plain lists, mostly for callers that already
// hold identifiers.
func NewState(lists map[Platform][]string) State {
	sets := emptySets()

	for platform, ids := range lists {
		if !platform.Valid() {
			continue
		}

		for _, id := range normalize(ids) {
			sets[platform][id] = struct{}{}
		}
	}

	return State{sets: sets}
}

func (s State) Supports(platform Platform, id string) bool {
	_, ok := s.sets[platform][strings.ToLower(strings.TrimSpace(id))]

	return ok
}

// PlatformsFor lists the platforms carrying any of the given identifiers.
func (s State) PlatformsFor(ids ...string) []Platform {
	var out []Platform

	for _, platform := range Platforms {
		for _, id := range ids {
			if s.Supports(platform, id) {
				out = append(out, platform)

				break
			}
		}
	}

	return out
}

func (s State) IDs(platform Platform) []string {
	return recordFromSets(s.sets).list(platform)
}

func (s State) Size() int {
	total := 0
	for _, set := range s.sets {
		total += len(set)
	}

	return total
}

func (r record) list(platform Platform) []string {
	switch platform {
	case PrimaryExchange:
		return r.PrimaryExchange
	case SecondaryExchange:
		return r.SecondaryExchange
	case Brokerage:
		return r.Brokerage
	default:
		return nil
	}
}

type Registry struct {
	store    store.Store
	sources  []Source
	schedule Schedule
	clock    Clock
	mu       sync.Mutex

	// marker of the last refresh this process made, used when the store
	// cannot be read
	lastMarker string
}

func New(st store.Store, sources []Source, schedule Schedule, clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock
	}

	return &Registry{store: st, sources: sources, schedule: schedule, clock: clock}
}

// Load returns the cached registry, refreshing it first when the current
// window has not been refreshed yet or no cache exists.
func (r *Registry) Load(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	window, ok := r.schedule.Window(r.clock.Now())
	if !ok {
		return State{}, fmt.Errorf("[Load] : %w: %s", ErrNoWindow, r.schedule)
	}

	marker := Marker(window)

	cached, cacheErr := r.readCache(ctx)
	missing := errors.Is(cacheErr, store.ErrNotFound)

	storedMarker, err := r.store.Get(ctx, WindowKey)
	current := string(storedMarker)

	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Msg("failed to read refresh marker")

		current = r.lastMarker
	}

	if !missing && current == marker {
		if cacheErr == nil {
			return State{sets: cached.sets(), Window: Label(window)}, nil
		}

		return State{Window: Label(window)}, fmt.Errorf("[Load] : %w: %w", ErrCacheRead, cacheErr)
	}

	var previous *record

	if cacheErr == nil {
		previous = &cached
	} else if !missing {
		log.Warn().Err(cacheErr).Msg("discarding unreadable supported coin cache")
	}

	return r.refresh(ctx, previous, window)
}

func (r *Registry) readCache(ctx context.Context) (record, error) {
	var cached record

	data, err := r.store.Get(ctx, RegistryKey)
	if err != nil {
		return cached, err
	}

	if err := json.Unmarshal(data, &cached); err != nil {
		return cached, fmt.Errorf("[readCache] : %w", err)
	}

	return cached, nil
}

func (r *Registry) refresh(ctx context.Context, previous *record, window time.Time) (State, error) {
	sets := emptySets()
	if previous != nil {
		sets = previous.sets()
	}

	state := State{Window: Label(window), Refreshed: true}

	var failures []error

	for _, source := range r.sources {
		platform := source.Platform()

		ids, err := source.Fetch(ctx)
		if err != nil {
			failures = append(failures, err)
			state.Warnings = append(state.Warnings,
				fmt.Sprintf("%s refresh failed, keeping cached list: %v", platform, err))
			log.Error().Err(err).Str("platform", string(platform)).Msg("supported coin source failed")

			continue
		}

		set := make(map[string]struct{}, len(ids))
		for _, id := range normalize(ids) {
			set[id] = struct{}{}
		}

		sets[platform] = set

		log.Info().Str("platform", string(platform)).Int("coins", len(set)).Msg("supported coin source refreshed")
	}

	state.sets = sets

	if previous == nil && len(r.sources) > 0 && len(failures) == len(r.sources) {
		return state, fmt.Errorf("[refresh] : %w: %w", ErrRefreshFailed, errors.Join(failures...))
	}

	r.lastMarker = Marker(window)

	data, err := json.Marshal(recordFromSets(sets))
	if err != nil {
		return state, fmt.Errorf("[refresh] : %w", err)
	}

	if err := r.store.Set(ctx, RegistryKey, data); err != nil {
		state.Warnings = append(state.Warnings, "could not persist supported coin cache: "+err.Error())
		log.Error().Err(err).Msg("failed to write supported coin cache")

		return state, nil
	}

	if err := r.store.Set(ctx, WindowKey, []byte(Marker(window))); err != nil {
		state.Warnings = append(state.Warnings, "could not persist refresh marker: "+err.Error())
		log.Error().Err(err).Msg("failed to write refresh marker")
	}

	return state, nil
}
