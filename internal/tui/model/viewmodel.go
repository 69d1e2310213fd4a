package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/bus"
	mdl "github.com/matheus3301/courier/internal/model"
)

// Client is the part of the control API the UI uses.
type Client interface {
	SessionStatus(ctx context.Context) (*api.SessionStatusResponse, error)
	QueueStats(ctx context.Context) (*api.QueueStatsResponse, error)
	ListConversations(ctx context.Context, req *api.ListConversationsRequest) (*api.ListConversationsResponse, error)
	ListMessages(ctx context.Context, req *api.ListMessagesRequest) (*api.ListMessagesResponse, error)
	SendText(ctx context.Context, req *api.SendTextRequest) (*api.SendTextResponse, error)
	Retry(ctx context.Context, id string) error
	MarkRead(ctx context.Context, conversationID string) (int, error)
	Join(ctx context.Context, conversationID string) error
	Search(ctx context.Context, req *api.SearchRequest) (*api.SearchResponse, error)
}

const threadLimit = 200

// ViewModel caches what the daemon reports and signals the UI to redraw.
type ViewModel struct {
	mu sync.RWMutex

	client        Client
	status        *api.SessionStatusResponse
	stats         *api.QueueStatsResponse
	conversations []api.Conversation
	messages      []api.Message
	activePeer    string
	activeConv    string
	Flash         Flash

	refreshCh chan struct{}
}

func NewViewModel(c Client) *ViewModel {
	return &ViewModel{
		client:    c,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh fires when cached state changed and the UI should redraw.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// Affects reports whether a daemon event of this kind changes what the UI shows.
func Affects(kind string) bool {
	switch kind {
	case bus.KindMessageChanged, bus.KindConversationDeleted, bus.KindQueueStats, bus.KindTransportStatus:
		return true
	}
	return false
}

// LoadStatus fetches connection state and queue stats.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.client.SessionStatus(ctx)
	if err != nil {
		return err
	}
	stats, err := vm.client.QueueStats(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st
	vm.stats = stats
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

func (vm *ViewModel) LoadConversations(ctx context.Context) error {
	resp, err := vm.client.ListConversations(ctx, &api.ListConversationsRequest{Limit: 100})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = resp.Conversations
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Open makes peer the active conversation and loads its thread.
func (vm *ViewModel) Open(ctx context.Context, peer string) error {
	vm.mu.Lock()
	vm.activePeer = peer
	vm.activeConv = ""
	vm.messages = nil
	vm.mu.Unlock()
	if err := vm.LoadMessages(ctx); err != nil {
		return err
	}
	conv := vm.ActiveConversation()
	if err := vm.client.Join(ctx, conv); err != nil {
		// Offline: the thread still works from the local store.
		vm.Flash.Set(Warn, "not joined: "+err.Error(), 3*time.Second)
	}
	if _, err := vm.client.MarkRead(ctx, conv); err != nil {
		vm.Flash.Set(Warn, "read receipt pending: "+err.Error(), 3*time.Second)
	}
	return nil
}

// LoadMessages reloads the active thread. It is a no-op with no thread open.
func (vm *ViewModel) LoadMessages(ctx context.Context) error {
	peer := vm.ActivePeer()
	if peer == "" {
		return nil
	}
	resp, err := vm.client.ListMessages(ctx, &api.ListMessagesRequest{Peer: peer, Limit: threadLimit})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	if vm.activePeer == peer {
		vm.activeConv = resp.ConversationID
		vm.messages = resp.Messages
	}
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Close leaves the active thread.
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	vm.activePeer = ""
	vm.activeConv = ""
	vm.messages = nil
	vm.mu.Unlock()
}

// Send queues text to the active peer.
func (vm *ViewModel) Send(ctx context.Context, text string) error {
	peer := vm.ActivePeer()
	if peer == "" {
		return fmt.Errorf("no conversation open")
	}
	return vm.SendTo(ctx, peer, text)
}

// SendTo queues text for peer. The message shows up as pending right away and
// moves on as the queue works through it.
func (vm *ViewModel) SendTo(ctx context.Context, peer, text string) error {
	resp, err := vm.client.SendText(ctx, &api.SendTextRequest{To: peer, Body: text})
	if err != nil {
		return err
	}
	if !resp.Accepted {
		vm.Flash.Set(Info, "already queued", 3*time.Second)
	}
	return vm.LoadMessages(ctx)
}

// Retry requeues a failed message.
func (vm *ViewModel) Retry(ctx context.Context, m api.Message) error {
	if m.Status != mdl.StatusFailed {
		return fmt.Errorf("message is %s, only failed messages can be retried", m.Status)
	}
	if err := vm.client.Retry(ctx, m.ID); err != nil {
		return err
	}
	vm.Flash.Set(Info, "retrying "+shortID(m.ID), 3*time.Second)
	return vm.LoadMessages(ctx)
}

func (vm *ViewModel) Search(ctx context.Context, query string) ([]api.SearchResult, error) {
	resp, err := vm.client.Search(ctx, &api.SearchRequest{Query: query, Limit: 50})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (vm *ViewModel) Status() (*api.SessionStatusResponse, *api.QueueStatsResponse) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status, vm.stats
}

func (vm *ViewModel) Conversations() []api.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

func (vm *ViewModel) Messages() []api.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.messages
}

func (vm *ViewModel) ActivePeer() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.activePeer
}

func (vm *ViewModel) ActiveConversation() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.activeConv
}

// Self is the user id the daemon sends as.
func (vm *ViewModel) Self() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.status == nil {
		return ""
	}
	return vm.status.Self
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
