package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
	providermock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/quota"
	storagemock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/ticketing"
	ticketingmock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/ticketing/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

var testIngestionCfg = config.IngestionConfig{
	PoolSize:     4,
	QueueSize:    100,
	MaxBlock:     time.Second,
	ExpiryTime:   time.Minute,
	PollInterval: 5 * time.Second,
	FetchLimit:   50,
}

type pipelineFixture struct {
	pipeline *Pipeline
	connRepo *storagemock.MemoryConnectionRepo
	records  *storagemock.MemoryInboundRecordRepo
	gateway  *providermock.ClientMock
	tickets  *ticketingmock.ClientMock
}

func newPipelineFixture(t *testing.T, conns ...*model.Connection) *pipelineFixture {
	t.Helper()
	connRepo := storagemock.NewMemoryConnectionRepo(conns...)
	records := storagemock.NewMemoryInboundRecordRepo()
	gateway := new(providermock.ClientMock)
	tickets := new(ticketingmock.ClientMock)
	tracker := quota.NewTracker(connRepo, nil)

	p, err := NewPipeline(testIngestionCfg, connRepo, records, gateway, tickets, tracker, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(p.pool.Release)

	return &pipelineFixture{
		pipeline: p,
		connRepo: connRepo,
		records:  records,
		gateway:  gateway,
		tickets:  tickets,
	}
}

func inboundMsg(id, remoteID, text string) provider.InboundMessage {
	return provider.InboundMessage{
		ExternalMessageID: id,
		RemoteID:          remoteID,
		Text:              text,
		Timestamp:         utils.Now(),
	}
}

func TestPipeline_ProcessesInboundMessage(t *testing.T) {
	conn := model.NewConnection(&model.Connection{State: model.StateConnected})
	fx := newPipelineFixture(t, conn)
	ctx := context.Background()

	fx.gateway.On("FetchRecentMessages", mock.Anything, conn.ExternalInstanceID, 50).
		Return([]provider.InboundMessage{
			inboundMsg("wamid.1", "5511999990000@s.whatsapp.net", "hello"),
		}, nil)
	fx.tickets.On("FindOpenTicket", mock.Anything, conn.TenantID, "5511999990000").Return("", nil)
	fx.tickets.On("CreateTicket", mock.Anything, conn.TenantID, "5511999990000", "whatsapp").Return("ticket-1", nil)
	fx.tickets.On("AppendMessage", mock.Anything, "ticket-1", ticketing.DirectionInbound, "hello", "wamid.1").Return(nil)

	fx.pipeline.RunPoll(ctx)

	seen, err := fx.records.Exists(ctx, conn.ID, "wamid.1")
	require.NoError(t, err)
	assert.True(t, seen, "dedup marker written after append")

	stored, err := fx.connRepo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ReceivedCount)

	fx.tickets.AssertExpectations(t)
}

func TestPipeline_RoutesTicketsToConnectionQueue(t *testing.T) {
	conn := model.NewConnection(&model.Connection{State: model.StateConnected, Queue: "sales"})
	fx := newPipelineFixture(t, conn)
	ctx := context.Background()

	fx.gateway.On("FetchRecentMessages", mock.Anything, conn.ExternalInstanceID, 50).
		Return([]provider.InboundMessage{
			inboundMsg("wamid.q", "5511999990000@s.whatsapp.net", "pricing?"),
		}, nil)
	fx.tickets.On("FindOpenTicket", mock.Anything, conn.TenantID, "5511999990000").Return("", nil)
	fx.tickets.On("CreateTicket", mock.Anything, conn.TenantID, "5511999990000", "sales").Return("ticket-5", nil)
	fx.tickets.On("AppendMessage", mock.Anything, "ticket-5", ticketing.DirectionInbound, "pricing?", "wamid.q").Return(nil)

	fx.pipeline.RunPoll(ctx)

	// New tickets land on the connection's own queue, not the default.
	fx.tickets.AssertExpectations(t)
}

func TestPipeline_FetchesConnectionsConcurrently(t *testing.T) {
	connA := model.NewConnection(&model.Connection{State: model.StateConnected})
	connB := model.NewConnection(&model.Connection{State: model.StateConnected})
	fx := newPipelineFixture(t, connA, connB)

	entered := make(chan string, 2)
	release := make(chan struct{})
	for _, c := range []*model.Connection{connA, connB} {
		id := c.ID
		fx.gateway.On("FetchRecentMessages", mock.Anything, c.ExternalInstanceID, 50).
			Run(func(mock.Arguments) {
				entered <- id
				<-release
			}).
			Return([]provider.InboundMessage{}, nil)
	}

	done := make(chan struct{})
	go func() {
		fx.pipeline.RunPoll(context.Background())
		close(done)
	}()

	// Both fetches must be in flight before either one is released. A
	// sequential poll would block forever on the first fetch here.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("fetches did not overlap")
		}
	}
	close(release)
	<-done
}

func TestPipeline_ReplayedFetchIsIdempotent(t *testing.T) {
	conn := model.NewConnection(&model.Connection{State: model.StateConnected})
	fx := newPipelineFixture(t, conn)
	ctx := context.Background()

	batch := []provider.InboundMessage{
		inboundMsg("wamid.7", "5511999990000@s.whatsapp.net", "hi"),
	}
	fx.gateway.On("FetchRecentMessages", mock.Anything, conn.ExternalInstanceID, 50).Return(batch, nil)
	fx.tickets.On("FindOpenTicket", mock.Anything, conn.TenantID, "5511999990000").Return("ticket-9", nil)
	fx.tickets.On("AppendMessage", mock.Anything, "ticket-9", ticketing.DirectionInbound, "hi", "wamid.7").Return(nil)

	// The gateway returns the same recent window on every poll.
	fx.pipeline.RunPoll(ctx)
	fx.pipeline.RunPoll(ctx)
	fx.pipeline.RunPoll(ctx)

	fx.tickets.AssertNumberOfCalls(t, "AppendMessage", 1)

	stored, err := fx.connRepo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ReceivedCount, "replays must not recount quota")
}

func TestPipeline_SkipsSelfEchoesAndGroups(t *testing.T) {
	conn := model.NewConnection(&model.Connection{State: model.StateConnected})
	fx := newPipelineFixture(t, conn)
	ctx := context.Background()

	self := inboundMsg("wamid.a", "5511999990000@s.whatsapp.net", "me")
	self.FromMe = true
	group := inboundMsg("wamid.b", "123456-789@g.us", "group chatter")

	fx.gateway.On("FetchRecentMessages", mock.Anything, conn.ExternalInstanceID, 50).
		Return([]provider.InboundMessage{self, group}, nil)

	fx.pipeline.RunPoll(ctx)

	fx.tickets.AssertNotCalled(t, "FindOpenTicket", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, fx.records.Len(), "skipped messages leave no markers")
}

func TestPipeline_QuotaOverflowStillProcesses(t *testing.T) {
	conn := model.NewConnection(&model.Connection{State: model.StateConnected, QuotaMaxReceived: 1})
	conn.ReceivedCount = 1
	fx := newPipelineFixture(t, conn)
	ctx := context.Background()

	fx.gateway.On("FetchRecentMessages", mock.Anything, conn.ExternalInstanceID, 50).
		Return([]provider.InboundMessage{
			inboundMsg("wamid.z", "5511999990000@s.whatsapp.net", "over quota"),
		}, nil)
	fx.tickets.On("FindOpenTicket", mock.Anything, conn.TenantID, "5511999990000").Return("ticket-1", nil)
	fx.tickets.On("AppendMessage", mock.Anything, "ticket-1", ticketing.DirectionInbound, "over quota", "wamid.z").Return(nil)

	fx.pipeline.RunPoll(ctx)

	// The message landed despite the exhausted receive budget.
	fx.tickets.AssertNumberOfCalls(t, "AppendMessage", 1)

	stored, err := fx.connRepo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ReceivedCount)
	assert.True(t, stored.QuotaExceededReceived)
}

func TestPipeline_TicketFailureLeavesNoMarker(t *testing.T) {
	conn := model.NewConnection(&model.Connection{State: model.StateConnected})
	fx := newPipelineFixture(t, conn)
	ctx := context.Background()

	fx.gateway.On("FetchRecentMessages", mock.Anything, conn.ExternalInstanceID, 50).
		Return([]provider.InboundMessage{
			inboundMsg("wamid.f", "5511999990000@s.whatsapp.net", "lost?"),
		}, nil)
	fx.tickets.On("FindOpenTicket", mock.Anything, conn.TenantID, "5511999990000").Return("ticket-1", nil)
	fx.tickets.On("AppendMessage", mock.Anything, "ticket-1", ticketing.DirectionInbound, "lost?", "wamid.f").
		Return(assert.AnError)

	fx.pipeline.RunPoll(ctx)

	// No marker, so the next poll retries the append.
	seen, err := fx.records.Exists(ctx, conn.ID, "wamid.f")
	require.NoError(t, err)
	assert.False(t, seen)

	stored, err := fx.connRepo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ReceivedCount, "failed messages do not consume quota")
}

func TestPipeline_OnlyPollsConnected(t *testing.T) {
	idle := model.NewConnection(&model.Connection{State: model.StateDisconnected})
	fx := newPipelineFixture(t, idle)

	fx.pipeline.RunPoll(context.Background())

	fx.gateway.AssertNotCalled(t, "FetchRecentMessages", mock.Anything, mock.Anything, mock.Anything)
}
