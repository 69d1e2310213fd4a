package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	intsync "github.com/matheus3301/courier/internal/sync"
	"github.com/matheus3301/courier/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Session is the part of the transport manager the control API drives.
type Session interface {
	Get(ctx context.Context) (*transport.Session, error)
	Status() status.State
	Reset() error
}

// Deps are the daemon components behind the control API.
type Deps struct {
	Profile  string
	Self     string
	RelayURL string
	DB       *store.DB
	Queue    *outbox.Engine
	Session  Session
	Sync     *intsync.Engine
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Service implements CourierServer on top of the daemon components.
type Service struct {
	d Deps
}

func NewService(d Deps) *Service {
	return &Service{d: d}
}

var _ CourierServer = (*Service)(nil)

func (s *Service) SendText(_ context.Context, req *SendTextRequest) (*SendTextResponse, error) {
	if s.d.Self == "" {
		return nil, grpcstatus.Error(codes.Unauthenticated, "no relay credentials configured")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	m := model.Message{
		ID:          id,
		SenderID:    s.d.Self,
		RecipientID: req.To,
		Body:        req.Body,
		Type:        req.Type,
		CreatedAt:   time.Now(),
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	accepted, err := s.d.Queue.Enqueue(m)
	if err != nil {
		return nil, toStatus(err)
	}
	stored, err := s.d.DB.Get(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendTextResponse{Accepted: accepted, Message: toMessage(*stored)}, nil
}

func (s *Service) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	conv := req.ConversationID
	if conv == "" {
		if req.Peer == "" {
			return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId or peer is required")
		}
		conv = model.ConversationID(s.d.Self, req.Peer)
	}
	limit := clampLimit(req.Limit)

	// One extra row tells us whether older messages exist.
	msgs, err := s.d.DB.GetByConversation(conv, limit+1, req.Offset)
	if err != nil {
		return nil, toStatus(err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[1:]
	}
	return &ListMessagesResponse{ConversationID: conv, Messages: toMessages(msgs), HasMore: hasMore}, nil
}

func (s *Service) ListConversations(_ context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	convs, err := s.d.DB.ListConversations(s.d.Self, clampLimit(req.Limit), req.Offset)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversation(c))
	}
	return &ListConversationsResponse{Conversations: out}, nil
}

func (s *Service) ListFailed(_ context.Context, req *ListFailedRequest) (*ListFailedResponse, error) {
	msgs, err := s.d.DB.GetFailed(clampLimit(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListFailedResponse{Messages: toMessages(msgs)}, nil
}

func (s *Service) Retry(_ context.Context, req *RetryRequest) (*Empty, error) {
	if err := s.d.Queue.Retry(req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) QueueStats(_ context.Context, _ *Empty) (*QueueStatsResponse, error) {
	counts, err := s.d.DB.Counts()
	if err != nil {
		return nil, toStatus(err)
	}
	return &QueueStatsResponse{Stats: s.d.Queue.Stats(), Counts: counts}, nil
}

func (s *Service) SessionStatus(_ context.Context, _ *Empty) (*SessionStatusResponse, error) {
	return &SessionStatusResponse{
		Profile:  s.d.Profile,
		Self:     s.d.Self,
		RelayURL: s.d.RelayURL,
		State:    s.d.Session.Status(),
	}, nil
}

func (s *Service) Connect(ctx context.Context, _ *Empty) (*SessionStatusResponse, error) {
	if _, err := s.d.Session.Get(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.SessionStatus(ctx, &Empty{})
}

func (s *Service) Logout(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.d.Session.Reset(); err != nil {
		s.d.Logger.Warn("session close failed", zap.Error(err))
	}
	return &Empty{}, nil
}

func (s *Service) MarkRead(ctx context.Context, req *ConversationRequest) (*MarkReadResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	n, err := s.d.Sync.MarkRead(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MarkReadResponse{Updated: n}, nil
}

func (s *Service) Join(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	if err := s.d.Sync.Join(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) Presence(ctx context.Context, req *PresenceRequest) (*model.Presence, error) {
	if req.UserID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "waId is required")
	}
	p, err := s.d.Sync.Presence(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return p, nil
}

func (s *Service) Search(_ context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req.Query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	results, err := s.d.DB.SearchMessages(req.Query, req.ConversationID, clampLimit(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{Message: toMessage(r.Message), Snippet: r.Snippet})
	}
	return &SearchResponse{Results: out}, nil
}

func (s *Service) Watch(req *WatchRequest, stream WatchServer) error {
	ch, unsub := s.d.Bus.Subscribe(req.Prefix, 128)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.d.Logger.Warn("unencodable bus event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(&WatchEvent{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: payload}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return n
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	var remote *transport.RemoteError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrInvalidMessage), errors.Is(err, model.ErrInvalidConversation):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, outbox.ErrNotFailed), errors.Is(err, model.ErrInvalidTransition):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, transport.ErrNoCredentials), errors.Is(err, transport.ErrLoggedOut):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, transport.ErrDisconnected), errors.Is(err, transport.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, transport.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &remote):
		return grpcstatus.Error(remoteCode(remote.Code), remote.Message)
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func remoteCode(code string) codes.Code {
	switch code {
	case protocol.CodeValidation:
		return codes.InvalidArgument
	case protocol.CodeForbidden:
		return codes.PermissionDenied
	case protocol.CodeNotFound:
		return codes.NotFound
	case protocol.CodeRateLimited:
		return codes.ResourceExhausted
	case protocol.CodeDuplicate:
		return codes.AlreadyExists
	case protocol.CodeUnavailable:
		return codes.Unavailable
	}
	return codes.Internal
}
