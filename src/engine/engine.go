package engine

import (
	"context"
	"errors"
	"strings"

	"coinstream/src/bus"
	"coinstream/src/catalog"
	"coinstream/src/feed"
	"coinstream/src/helpers"
	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"
	"coinstream/src/registry"

	"github.com/go-playground/validator/v10"
)

// -----------------------------------------------------------------------------
// Event names pushed to sessions.
// -----------------------------------------------------------------------------

const (
	EventRankingSnapshot     = "rankingSnapshot"
	EventRankingUpdate       = "rankingUpdate"
	EventSecondarySnapshot   = "secondarySnapshot"
	EventSecondaryUpdate     = "secondaryUpdate"
	EventPreferencesSnapshot = "preferencesSnapshot"
	EventPreferencesUpdate   = "preferencesUpdate"
	EventDetailSnapshot      = "detailSnapshot"
	EventTickUpdate          = "tickUpdate"
	EventCandleClosed        = "candleClosed"
	EventShortHistory        = "shortHistory"
	EventFeedDisconnected    = "feedDisconnected"
	EventError               = "error"
)

// View topics tracked in the registry. A session holds at most one
// subscription per topic; resubscribing replaces it.
const (
	topicRanking      = "ranking"
	topicSecondary    = "secondary"
	topicPreferences  = "preferences"
	topicDetail       = "symbolDetail"
	topicShortHistory = "shortHistory"
)

// -----------------------------------------------------------------------------

// Engine resolves view subscriptions: it answers with a snapshot first,
// then wires live updates from the shared upstream feeds to the session,
// and records every acquired resource so teardown is complete.
type Engine struct {
	catalog  *catalog.Aggregator
	history  *feed.HistoryService
	feeds    *feed.Manager
	tracker  *feed.Tracker
	eventBus *bus.Bus
	registry *registry.Registry
	store    interfaces.IStore
	logger   *logger.Logger
	validate *validator.Validate
}

// -----------------------------------------------------------------------------

func NewEngine(
	cat *catalog.Aggregator,
	history *feed.HistoryService,
	feeds *feed.Manager,
	tracker *feed.Tracker,
	eventBus *bus.Bus,
	reg *registry.Registry,
	store interfaces.IStore,
	log *logger.Logger,
) *Engine {
	return &Engine{
		catalog:  cat,
		history:  history,
		feeds:    feeds,
		tracker:  tracker,
		eventBus: eventBus,
		registry: reg,
		store:    store,
		logger:   log,
		validate: validator.New(),
	}
}

// -----------------------------------------------------------------------------

// HandleCommand validates and dispatches one subscribe command. Malformed
// commands are rejected before any resource is allocated.
func (e *Engine) HandleCommand(ctx context.Context, session interfaces.ISession, cmd models.MSubscribeCommand) error {
	if err := e.validate.Struct(cmd); err != nil {
		return &helpers.InvalidRequestError{EngineError: helpers.EngineError{
			Message: "invalid subscribe command",
			Cause:   err,
		}}
	}

	switch cmd.Action {
	case models.ActionSubscribeRanking:
		return e.SubscribeRanking(ctx, session, cmd.TopN)
	case models.ActionSubscribeSecondary:
		return e.SubscribeSecondary(ctx, session, cmd.TopN)
	case models.ActionSubscribeDetail:
		return e.SubscribeSymbolDetail(ctx, session, cmd.AssetID, cmd.Interval, cmd.Limit)
	case models.ActionSubscribeShort:
		return e.SubscribeShortHistory(ctx, session, cmd.AssetID, cmd.Hours)
	case models.ActionSubscribePreferences:
		return e.SubscribePreferences(ctx, session, cmd.UserID)
	case models.ActionSubscribePrefDetail:
		return e.SubscribePreferenceDetail(ctx, session, cmd.UserID, cmd.AssetID, cmd.Interval, cmd.Limit)
	case models.ActionUnsubscribe:
		e.ReleaseSession(session.ID())
		return nil
	default:
		return &helpers.InvalidRequestError{EngineError: helpers.EngineError{
			Message: "unknown action '" + cmd.Action + "'",
		}}
	}
}

// -----------------------------------------------------------------------------

// SubscribeRanking pushes the top-N snapshot then live per-asset deltas.
func (e *Engine) SubscribeRanking(ctx context.Context, session interfaces.ISession, topN int) error {
	assets, err := e.catalog.Ranking(ctx, topN)
	if err != nil {
		return e.reportOutage(session, err)
	}
	return e.streamAssets(ctx, session, topicRanking, EventRankingSnapshot, EventRankingUpdate, assets)
}

// -----------------------------------------------------------------------------

// SubscribeSecondary is the ranking view for the assets below the top N.
func (e *Engine) SubscribeSecondary(ctx context.Context, session interfaces.ISession, size int) error {
	assets, err := e.catalog.Secondary(ctx, size)
	if err != nil {
		return e.reportOutage(session, err)
	}
	return e.streamAssets(ctx, session, topicSecondary, EventSecondarySnapshot, EventSecondaryUpdate, assets)
}

// -----------------------------------------------------------------------------

// SubscribePreferences resolves the user's preferred assets and streams
// them like a filtered ranking.
func (e *Engine) SubscribePreferences(ctx context.Context, session interfaces.ISession, userID string) error {
	assets, preferred, err := e.resolvePreferred(ctx, userID)
	if err != nil {
		return e.reportOutage(session, err)
	}
	return e.streamAssetsWithPreferred(ctx, session, topicPreferences, EventPreferencesSnapshot, EventPreferencesUpdate, assets, preferred)
}

// -----------------------------------------------------------------------------

func (e *Engine) resolvePreferred(ctx context.Context, userID string) ([]models.MAssetRecord, []string, error) {
	preferred, err := e.store.GetPreferredSymbols(userID)
	if err != nil {
		return nil, nil, &helpers.DatabaseError{EngineError: helpers.EngineError{
			Message: "failed to load user preferences",
			Cause:   err,
		}}
	}

	// Unknown ids are skipped: absence is a normal catalog outcome.
	assets := make([]models.MAssetRecord, 0, len(preferred))
	for _, assetID := range preferred {
		if asset, ok := e.catalog.ByID(ctx, assetID); ok {
			assets = append(assets, asset)
		}
	}
	return assets, preferred, nil
}

// -----------------------------------------------------------------------------

func (e *Engine) streamAssets(ctx context.Context, session interfaces.ISession, topic string, snapshotEvent string, updateEvent string, assets []models.MAssetRecord) error {
	return e.streamAssetsWithPreferred(ctx, session, topic, snapshotEvent, updateEvent, assets, nil)
}

// streamAssetsWithPreferred is the shared multi-asset live view: snapshot
// first, then one shared ticker feed plus a session-scoped bus listener.
func (e *Engine) streamAssetsWithPreferred(ctx context.Context, session interfaces.ISession, topic string, snapshotEvent string, updateEvent string, assets []models.MAssetRecord, preferred []string) error {
	if err := session.Send(snapshotEvent, models.MAssetsSnapshot{Assets: assets, PreferredSymbols: preferred}); err != nil {
		return err
	}

	if len(assets) == 0 {
		// Nothing to stream; the snapshot already said so.
		e.registry.Track(session.ID(), &registry.Subscription{Topic: topic})
		return nil
	}

	bySymbol := make(map[string]models.MAssetRecord, len(assets))
	symbols := make([]string, 0, len(assets))
	for _, asset := range assets {
		bySymbol[asset.TradeSymbol] = asset
		symbols = append(symbols, asset.TradeSymbol)
	}

	release, err := e.feeds.OpenTickerFeed(ctx, symbols)
	if err != nil {
		return e.reportOutage(session, &helpers.NetworkError{EngineError: helpers.EngineError{
			Message: "failed to open upstream feed",
			Cause:   err,
		}})
	}

	tickerListener := e.eventBus.Subscribe(bus.TopicTickerUpdate, func(payload interface{}) {
		update, ok := payload.(models.MTickerUpdate)
		if !ok {
			return
		}
		asset, interested := bySymbol[update.TradeSymbol]
		if !interested {
			return
		}
		merged := mergeTicker(asset, update)
		if err := session.Send(updateEvent, map[string]interface{}{"updates": []models.MAssetRecord{merged}}); err != nil {
			e.logger.Debug("Dropping %s update for gone session %s: %v", topic, session.ID(), err)
		}
	})

	downListener := e.subscribeFeedDown(session, symbols)

	e.registry.Track(session.ID(), &registry.Subscription{
		Topic:     topic,
		Listeners: []*bus.Listener{tickerListener, downListener},
		Closers:   []func(){release},
	})
	return nil
}

// -----------------------------------------------------------------------------

// SubscribeSymbolDetail pushes one asset's snapshot with historical bars,
// then live forming-candle ticks and closed candles.
func (e *Engine) SubscribeSymbolDetail(ctx context.Context, session interfaces.ISession, assetID string, interval string, limit int) error {
	return e.subscribeDetail(ctx, session, assetID, interval, limit, nil)
}

// SubscribePreferenceDetail is the detail view carrying the user's
// preferred list alongside, so the client can render toggles. Without an
// explicit asset it shows the user's first preferred one.
func (e *Engine) SubscribePreferenceDetail(ctx context.Context, session interfaces.ISession, userID string, assetID string, interval string, limit int) error {
	preferred, err := e.store.GetPreferredSymbols(userID)
	if err != nil {
		e.logger.Warning("Preference lookup failed for user %s: %v", userID, err)
		preferred = nil
	}
	if assetID == "" {
		if len(preferred) == 0 {
			e.sendError(session, "user '"+userID+"' has no preferred assets", false)
			return nil
		}
		assetID = preferred[0]
	}
	return e.subscribeDetail(ctx, session, assetID, interval, limit, preferred)
}

func (e *Engine) subscribeDetail(ctx context.Context, session interfaces.ISession, assetID string, interval string, limit int, preferred []string) error {
	if interval == "" {
		interval = "1d"
	}
	asset, ok := e.catalog.ByID(ctx, assetID)
	if !ok {
		// Absence is not an engine failure, but the client asked for
		// something that cannot be streamed.
		e.sendError(session, "unknown asset '"+assetID+"'", false)
		return nil
	}

	snapshot := models.MDetailSnapshot{
		Asset:            asset,
		Interval:         interval,
		Bars:             e.snapshotBars(ctx, asset.TradeSymbol, asset.Symbol, interval, limit),
		PreferredSymbols: preferred,
	}
	if err := session.Send(EventDetailSnapshot, snapshot); err != nil {
		return err
	}

	return e.streamCandles(ctx, session, asset.TradeSymbol, interval, topicDetail)
}

// -----------------------------------------------------------------------------

// snapshotBars prefers the historical providers and degrades to the
// tracker's buffered candles and then the store, so a provider outage
// still yields whatever closed candles the engine has seen. Empty bars
// are the final fallback, never a hard failure.
func (e *Engine) snapshotBars(ctx context.Context, tradeSymbol string, baseSymbol string, interval string, limit int) []models.MCandle {
	bars, err := e.history.GetBars(ctx, tradeSymbol, baseSymbol, interval, limit)
	if err == nil {
		return bars
	}
	e.logger.Warning("Historical bars unavailable for %s: %v", tradeSymbol, err)

	if buffered := e.tracker.RecentClosed(tradeSymbol, interval, limit); len(buffered) > 0 {
		return buffered
	}
	if e.store != nil {
		if stored, serr := e.store.RecentClosedCandles(tradeSymbol, interval, limit); serr == nil && len(stored) > 0 {
			return stored
		}
	}
	if last, ok := e.tracker.LastClosed(ctx, tradeSymbol, interval); ok {
		return []models.MCandle{last}
	}
	return []models.MCandle{}
}

// -----------------------------------------------------------------------------

// streamCandles opens the shared kline feed for the pair and routes its
// tick and closed-candle events to the session under the given topic.
func (e *Engine) streamCandles(ctx context.Context, session interfaces.ISession, tradeSymbol string, interval string, topic string) error {
	release, err := e.feeds.OpenCandleFeed(ctx, tradeSymbol, interval)
	if err != nil {
		return e.reportOutage(session, &helpers.NetworkError{EngineError: helpers.EngineError{
			Message: "failed to open upstream feed",
			Cause:   err,
		}})
	}

	tickListener := e.eventBus.Subscribe(bus.TopicCandleTick, func(payload interface{}) {
		update, ok := payload.(models.MTickUpdate)
		if !ok || update.TradeSymbol != tradeSymbol || update.Interval != interval {
			return
		}
		if err := session.Send(EventTickUpdate, update); err != nil {
			e.logger.Debug("Dropping tick for gone session %s: %v", session.ID(), err)
		}
	})
	closedListener := e.eventBus.Subscribe(bus.TopicCandleClosed, func(payload interface{}) {
		candle, ok := payload.(models.MCandle)
		if !ok || candle.TradeSymbol != tradeSymbol || candle.Interval != interval {
			return
		}
		if err := session.Send(EventCandleClosed, candle); err != nil {
			e.logger.Debug("Dropping closed candle for gone session %s: %v", session.ID(), err)
		}
	})
	downListener := e.subscribeFeedDown(session, []string{tradeSymbol})

	e.registry.Track(session.ID(), &registry.Subscription{
		Topic:     topic,
		Listeners: []*bus.Listener{tickListener, closedListener, downListener},
		Closers:   []func(){release},
	})
	return nil
}

// -----------------------------------------------------------------------------

// SubscribeShortHistory pushes the hourly candles covering the requested
// window, then keeps the session on the live 1h kline stream for tick
// and closed-candle deltas.
func (e *Engine) SubscribeShortHistory(ctx context.Context, session interfaces.ISession, assetID string, hours int) error {
	asset, ok := e.catalog.ByID(ctx, assetID)
	if !ok {
		e.sendError(session, "unknown asset '"+assetID+"'", false)
		return nil
	}

	snapshot := models.MDetailSnapshot{
		Asset:    asset,
		Interval: "1h",
		Bars:     e.snapshotBars(ctx, asset.TradeSymbol, asset.Symbol, "1h", hours),
	}
	if err := session.Send(EventShortHistory, snapshot); err != nil {
		return err
	}

	return e.streamCandles(ctx, session, asset.TradeSymbol, "1h", topicShortHistory)
}

// -----------------------------------------------------------------------------

// ReleaseSession tears down every subscription a session holds.
func (e *Engine) ReleaseSession(sessionID string) {
	e.registry.ReleaseSession(sessionID)
}

// -----------------------------------------------------------------------------

// subscribeFeedDown forwards loss-of-feed events for the session's
// symbols. The feed key embeds the lower-cased stream names.
func (e *Engine) subscribeFeedDown(session interfaces.ISession, tradeSymbols []string) *bus.Listener {
	lowered := make([]string, len(tradeSymbols))
	for i, sym := range tradeSymbols {
		lowered[i] = strings.ToLower(sym)
	}

	return e.eventBus.Subscribe(bus.TopicFeedDisconnected, func(payload interface{}) {
		event, ok := payload.(models.MFeedDisconnected)
		if !ok {
			return
		}
		key := strings.ToLower(event.FeedKey)
		for _, sym := range lowered {
			if strings.Contains(key, sym) {
				if err := session.Send(EventFeedDisconnected, event); err != nil {
					e.logger.Debug("Dropping feed-down notice for gone session %s: %v", session.ID(), err)
				}
				return
			}
		}
	})
}

// -----------------------------------------------------------------------------

// reportOutage converts a total upstream failure into an explicit error
// event for the session and propagates the error to the caller.
func (e *Engine) reportOutage(session interfaces.ISession, err error) error {
	retryable := false
	var allFailed *helpers.AllSourcesFailedError
	if errors.As(err, &allFailed) {
		retryable = true
	}
	e.sendError(session, err.Error(), retryable)
	return err
}

func (e *Engine) sendError(session interfaces.ISession, message string, retryable bool) {
	if err := session.Send(EventError, models.MErrorEvent{Message: message, Retryable: retryable}); err != nil {
		e.logger.Debug("Failed to deliver error event to session %s: %v", session.ID(), err)
	}
}

// -----------------------------------------------------------------------------

// mergeTicker folds a live ticker update into a catalog record.
func mergeTicker(asset models.MAssetRecord, update models.MTickerUpdate) models.MAssetRecord {
	asset.CurrentPrice = update.CurrentPrice
	asset.High24h = update.High24h
	asset.Low24h = update.Low24h
	asset.TotalVolume = update.TotalVolume
	return asset
}
