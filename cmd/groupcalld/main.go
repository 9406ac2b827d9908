// Command groupcalld wires the group-call signalling core to a real
// Matrix homeserver: it logs in, starts syncing, and feeds every
// m.call/m.call.member state event and every call-signalling to-device
// event into a registry.CallRegistry. Shuts down on signal.NotifyContext,
// draining in-flight sync handlers briefly before exit.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/dkeye/groupcall/internal/calltypes"
	"github.com/dkeye/groupcall/internal/callevents"
	"github.com/dkeye/groupcall/internal/clock"
	"github.com/dkeye/groupcall/internal/config"
	"github.com/dkeye/groupcall/internal/homeserver"
	"github.com/dkeye/groupcall/internal/registry"
	"github.com/dkeye/groupcall/internal/webrtcengine"
)

const shutdownDrain = 10 * time.Second

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log.Logger = logger

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("create matrix client")
	}

	transport := &homeserver.MautrixTransport{
		Client: client,
		Logger: logger,
		StaticTURN: homeserver.ICEServerConfig{
			URLs:       cfg.TURNURLs,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		},
	}

	factory := webrtcengine.NewPionFactory(webrtcengine.DefaultConfig(), &logger)

	self := calltypes.MemberKey{UserID: calltypes.UserID(cfg.UserID), DeviceID: calltypes.DeviceID(cfg.DeviceID)}
	ownSessionID := calltypes.SessionID(clock.UUIDGenerator{}.NewSessionID())

	reg := registry.New(self, ownSessionID, clock.System{}, logger, registry.Hooks{
		Transport: transport,
		Factory:   factory,
	})

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		logger.Fatal().Msg("unexpected syncer type")
	}
	wireSyncHandlers(ctx, syncer, reg, logger)

	if cfg.MetricsAddr != "" {
		go runMetricsServer(ctx, cfg.MetricsAddr, logger)
	}

	go runGraceSweeper(ctx, reg)

	go func() {
		if err := client.Sync(); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("sync loop exited")
		}
	}()

	logger.Info().Str("user_id", cfg.UserID).Msg("groupcalld started")
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	client.StopSync()
	time.Sleep(shutdownDrain / 10) // let in-flight sync handlers finish
}

// runMetricsServer serves Prometheus counters on /metrics until ctx is
// cancelled. A listen failure is logged, not fatal: the signalling core
// works fine without scraping.
func runMetricsServer(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server exited")
	}
}

func runGraceSweeper(ctx context.Context, reg *registry.CallRegistry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Sweep()
		}
	}
}

// wireSyncHandlers registers the state-event and to-device handlers that
// turn raw mautrix sync data into registry.CallRegistry calls.
func wireSyncHandlers(ctx context.Context, syncer *mautrix.DefaultSyncer, reg *registry.CallRegistry, logger zerolog.Logger) {
	conferenceType := event.Type{Type: callevents.TypeConference, Class: event.StateEventType}
	syncer.OnEventType(conferenceType, func(ctx2 context.Context, evt *event.Event) {
		var stateKey string
		if evt.StateKey != nil {
			stateKey = *evt.StateKey
		}
		confID := calltypes.ConferenceID(stateKey)
		raw, err := json.Marshal(evt.Content.Raw)
		if err != nil {
			logger.Warn().Err(err).Msg("remarshal conference event")
			return
		}
		content, err := callevents.ParseConferenceEvent(raw)
		if err != nil {
			logger.Warn().Err(err).Str("room_id", evt.RoomID.String()).Msg("malformed conference event")
			return
		}
		reg.HandleConferenceEvent(calltypes.RoomID(evt.RoomID), confID, content)
	})

	memberType := event.Type{Type: callevents.TypeMember, Class: event.StateEventType}
	syncer.OnEventType(memberType, func(ctx2 context.Context, evt *event.Event) {
		raw, err := json.Marshal(evt.Content.Raw)
		if err != nil {
			logger.Warn().Err(err).Msg("remarshal member event")
			return
		}
		content, err := callevents.ParseMemberEvent(raw)
		if err != nil {
			logger.Warn().Err(err).Str("room_id", evt.RoomID.String()).Msg("malformed member event")
			return
		}
		var memberStateKey string
		if evt.StateKey != nil {
			memberStateKey = *evt.StateKey
		}
		userID := calltypes.UserID(memberStateKey)
		byConf := make(map[calltypes.ConferenceID]map[calltypes.UserID]callevents.MemberContent, len(content.Calls))
		for _, entry := range content.Calls {
			byConf[entry.CallID] = map[calltypes.UserID]callevents.MemberContent{userID: content}
		}
		if err := reg.HandleMembershipEvent(ctx, calltypes.RoomID(evt.RoomID), byConf); err != nil {
			logger.Debug().Err(err).Msg("handle member event")
		}
	})

	toDeviceTypes := []string{
		callevents.TypeInvite, callevents.TypeAnswer, callevents.TypeCandidates,
		callevents.TypeHangup, callevents.TypeReject, callevents.TypeNegotiate,
		callevents.TypeSDPStreamMetadataChanged,
	}
	for _, t := range toDeviceTypes {
		evtType := event.Type{Type: t, Class: event.ToDeviceEventType}
		syncer.OnEventType(evtType, func(ctx2 context.Context, evt *event.Event) {
			raw, err := json.Marshal(evt.Content.Raw)
			if err != nil {
				logger.Warn().Err(err).Msg("remarshal to-device event")
				return
			}
			msg, err := callevents.Decode(evt.Type.Type, raw)
			if err != nil {
				logger.Warn().Err(err).Str("type", evt.Type.Type).Msg("malformed to-device event")
				return
			}
			if err := reg.HandleToDevice(ctx, calltypes.RoomID(evt.RoomID), calltypes.UserID(evt.Sender), msg); err != nil {
				logger.Debug().Err(err).Msg("handle to-device message")
			}
		})
	}
}
