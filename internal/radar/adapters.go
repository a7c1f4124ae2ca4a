package radar

import (
	"context"
	"time"

	"trading-radar/internal/hub"
	"trading-radar/internal/metrics"
	"trading-radar/internal/model"
	"trading-radar/internal/tickerstore"
)

// segmentSink counts decoded and stale tickers per segment on the way into
// the store.
type segmentSink struct {
	store *tickerstore.Store
	seg   string
	prom  *metrics.Metrics
}

func (s *segmentSink) Upsert(t model.Ticker) bool {
	s.prom.FeedTickers.WithLabelValues(s.seg).Inc()
	ok := s.store.Upsert(t)
	if !ok {
		s.prom.TickersStale.Inc()
	}
	return ok
}

// observedHub records exchange-to-publish latency of opportunity messages.
type observedHub struct {
	hub  *hub.Hub
	prom *metrics.Metrics
}

func (o *observedHub) Publish(msg model.OpportunityMessage) {
	o.hub.Publish(msg)
	if msg.Opportunity != nil && !msg.Opportunity.UpdatedAt.IsZero() {
		o.prom.HubLatency.Observe(time.Since(msg.Opportunity.UpdatedAt).Seconds())
	}
	o.prom.HubSubscribers.Set(float64(o.hub.SubscriberCount()))
}

// criteriaSink applies API watchlist changes to the detector and subscribes
// newly watched symbols.
type criteriaSink struct {
	svc *Service
}

func (c *criteriaSink) Add(crit model.WatchCriterion) error {
	if err := c.svc.Detector.Add(crit); err != nil {
		return err
	}
	c.svc.prom.DetectorCriteria.Set(float64(c.svc.Detector.Registry().Len()))
	go c.svc.watch(context.Background(), crit.Symbol)
	return nil
}

func (c *criteriaSink) Remove(id string) bool {
	ok := c.svc.Detector.Remove(id)
	c.svc.prom.DetectorCriteria.Set(float64(c.svc.Detector.Registry().Len()))
	return ok
}
