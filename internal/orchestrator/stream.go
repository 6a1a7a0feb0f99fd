package orchestrator

import (
	"context"

	"github.com/aristath/pulse/internal/clients/quotestream"
	"github.com/aristath/pulse/internal/domain"
	"github.com/aristath/pulse/internal/events"
)

// startStream creates the push feed client for the current credential,
// subscribes the watchlist and connects in the background.
func (o *Orchestrator) startStream() {
	o.mu.Lock()
	if !o.running || o.stream != nil || o.deps.Stream == nil || !o.settings.RealtimeCapable() {
		o.mu.Unlock()
		return
	}
	epoch := o.epoch
	token := o.settings.StreamAPIKey
	symbols := append([]string(nil), o.settings.Watchlist...)

	client := o.deps.Stream(token)
	o.stream = client
	o.mu.Unlock()

	client.OnStatus(func(change quotestream.StatusChange) { o.onStreamStatus(epoch, client, change) })

	subs := make([]func(), 0, len(symbols))
	for _, symbol := range symbols {
		subs = append(subs, client.Subscribe(symbol, func(q domain.Quote) { o.onRealtimeQuote(epoch, q) }))
	}

	o.mu.Lock()
	if o.stream != client {
		o.mu.Unlock()
		for _, unsub := range subs {
			unsub()
		}
		client.Disconnect()
		return
	}
	o.streamSubs = subs
	o.mu.Unlock()

	o.log.Info().Strs("symbols", symbols).Msg("Starting quote stream")
	go client.Connect(context.Background())
}

// stopStream disconnects and forgets the push feed client
func (o *Orchestrator) stopStream() {
	o.mu.Lock()
	client := o.stream
	subs := o.streamSubs
	o.stream = nil
	o.streamSubs = nil
	o.realtime = false
	o.mu.Unlock()

	if client == nil {
		return
	}
	for _, unsub := range subs {
		unsub()
	}
	client.Disconnect()
	o.deps.Health.SetStreamStatus(string(quotestream.StateDisconnected))
}

// restartStream reconnects with the current credential
func (o *Orchestrator) restartStream() {
	o.stopStream()
	o.startStream()
}

// StreamState returns the push feed state, disconnected when there is no client
func (o *Orchestrator) StreamState() quotestream.State {
	o.mu.Lock()
	client := o.stream
	o.mu.Unlock()
	if client == nil {
		return quotestream.StateDisconnected
	}
	return client.State()
}

func (o *Orchestrator) onStreamStatus(epoch uint64, client StreamClient, change quotestream.StatusChange) {
	// Transitions of a replaced or stopped client are ignored
	current := false
	o.commit(epoch, func() {
		if o.stream != client {
			return
		}
		current = true
		o.realtime = change.State == quotestream.StateConnected
		o.deps.Health.SetStreamStatus(string(change.State))
	})
	if !current {
		return
	}

	if change.Fallback {
		o.log.Warn().Str("reason", change.Message).Msg("Quote stream abandoned, polling only")
	}

	o.publish(epoch, "stream", &events.WebsocketStatusData{
		State:    string(change.State),
		Message:  change.Message,
		Attempt:  change.Attempt,
		Fallback: change.Fallback,
	})
}

func (o *Orchestrator) onRealtimeQuote(epoch uint64, q domain.Quote) {
	if !o.commit(epoch, func() { o.quotes[q.Symbol] = q }) {
		return
	}
	o.publish(epoch, "stream", &events.RealtimeQuoteData{Quote: q})
}
