package ipc

import (
	"context"
	"strings"

	"notifyd/internal/config"
	"notifyd/internal/delivery"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

// Supervisor is the slice of the delivery service the ipc surface drives.
type Supervisor interface {
	Subscribe(ctx context.Context, topic string) error
	StartPolling(ctx context.Context, topic string) error
	Stop(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	Status() delivery.Status
	Deliver(ctx context.Context, n *notification.Notification)
}

// Renewer is the push manager surface answering a renewal prompt.
type Renewer interface {
	Refresh(ctx context.Context) error
	Unregister(ctx context.Context) error
}

// Tester pings the notification server's diagnostic loopback.
type Tester interface {
	TestNotification(ctx context.Context, topic, message string) error
}

type ServerOptions struct {
	Pipe     *Pipe
	Delivery Supervisor
	Store    *storage.Store
	Push     Renewer // optional; nil when push is disabled
	Tester   Tester  // optional
	Settings config.IPCSettings
	Log      logx.Logger
}

type Server struct {
	pipe     *Pipe
	delivery Supervisor
	store    *storage.Store
	push     Renewer
	tester   Tester
	set      config.IPCSettings
	log      logx.Logger
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		pipe:     opts.Pipe,
		delivery: opts.Delivery,
		store:    opts.Store,
		push:     opts.Push,
		tester:   opts.Tester,
		set:      opts.Settings,
		log:      opts.Log,
	}
}

// Serve answers requests until ctx ends. Each request gets its own deadline
// so one stuck handler cannot wedge the pipe.
func (s *Server) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.pipe.ch:
			go s.handle(ctx, env)
		}
	}
}

func (s *Server) handle(ctx context.Context, env envelope) {
	hctx, cancel := context.WithTimeout(ctx, s.set.RequestTimeout)
	defer cancel()

	resp := s.dispatch(hctx, env.req)
	resp.ID = env.req.ID

	select {
	case env.reply <- resp:
	case <-ctx.Done():
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	if !s.log.IsZero() {
		s.log.Debug("ipc request",
			logx.String("id", req.ID),
			logx.String("action", string(req.Action)),
		)
	}

	switch req.Action {
	case ActionConnect:
		topic := strings.TrimSpace(req.Topic)
		if topic == "" {
			return Response{Error: "connect: topic is required"}
		}
		if err := s.delivery.Subscribe(ctx, topic); err != nil {
			return s.statusResponse(ctx, err.Error())
		}
		return s.statusResponse(ctx, "")

	case ActionDisconnect:
		if err := s.delivery.Unsubscribe(ctx); err != nil {
			return s.statusResponse(ctx, err.Error())
		}
		return s.statusResponse(ctx, "")

	case ActionCheckStatus:
		return s.statusResponse(ctx, "")

	case ActionStartPolling:
		topic := strings.TrimSpace(req.Topic)
		if topic == "" {
			return Response{Error: "startPolling: topic is required"}
		}
		if err := s.delivery.StartPolling(ctx, topic); err != nil {
			return s.statusResponse(ctx, err.Error())
		}
		return s.statusResponse(ctx, "")

	case ActionSyncNotifications:
		list, err := s.store.Notifications(ctx, storage.HistoryCap)
		if err != nil {
			return Response{Error: "sync: " + err.Error()}
		}
		// the foreground has now seen everything; stop flagging it as new
		if err := s.store.MarkAllViewed(ctx); err != nil && !s.log.IsZero() {
			s.log.Warn("sync: marking history viewed failed", logx.Err(err))
		}
		resp := s.statusResponse(ctx, "")
		resp.Notifications = list
		return resp

	case ActionTestNotification:
		n := req.Notification
		if n == nil {
			n = &notification.Notification{
				Title:  "Test notification",
				Body:   "Delivery path check",
				Source: notification.SourceTest,
			}
		}
		st := s.delivery.Status()
		if n.Topic == "" {
			n.Topic = st.Topic
		}
		if s.tester != nil {
			if err := s.tester.TestNotification(ctx, n.Topic, n.Body); err != nil && !s.log.IsZero() {
				s.log.Warn("server loopback test failed", logx.Err(err))
			}
		}
		s.delivery.Deliver(ctx, n)
		return s.statusResponse(ctx, "")

	case ActionRenewSubscription:
		if s.push == nil {
			return Response{Error: "renew: push is disabled"}
		}
		if err := s.push.Refresh(ctx); err != nil {
			return s.statusResponse(ctx, "renew: "+err.Error())
		}
		return s.statusResponse(ctx, "")

	case ActionDeclineRenewal:
		// Decline means the user is done with this subscription: revoke
		// the push handle and bring the transport down too.
		if s.push != nil {
			if err := s.push.Unregister(ctx); err != nil && !s.log.IsZero() {
				s.log.Warn("decline: push unregister failed", logx.Err(err))
			}
		}
		if err := s.delivery.Stop(ctx); err != nil {
			return s.statusResponse(ctx, err.Error())
		}
		return s.statusResponse(ctx, "")

	default:
		return Response{Error: "unknown action: " + string(req.Action)}
	}
}

// statusResponse is the shared response shape: live supervisor state plus the
// persisted transport statuses other processes key off.
func (s *Server) statusResponse(ctx context.Context, errMsg string) Response {
	st := s.delivery.Status()
	resp := Response{
		Connected: st.State == delivery.StateConnected,
		Topic:     st.Topic,
		Error:     errMsg,
	}
	if stream, ok, err := s.store.GetStreamStatus(ctx); err == nil && ok {
		resp.Stream = &stream
	}
	if poll, ok, err := s.store.GetPollStatus(ctx); err == nil && ok {
		resp.Polling = &poll
	}
	return resp
}
