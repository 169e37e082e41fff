package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/orchestrator"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider"
	providermock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/provider/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/quota"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/registry"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/rotation"
	storagemock "gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
)

func newTestServer(t *testing.T, gateway *providermock.ClientMock, conns ...*model.Connection) (*httptest.Server, *storagemock.MemoryConnectionRepo) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t).Named("test")

	repo := storagemock.NewMemoryConnectionRepo(conns...)
	tracker := quota.NewTracker(repo, nil)
	reg := registry.New(repo, gateway, nil, config.QuotaDefaults{MaxSent: 300, MaxReceived: 1000}, "tenant-default")
	selector := rotation.NewSelector(repo, tracker)
	orc := orchestrator.New(reg, selector, gateway, 1)

	mux := http.NewServeMux()
	NewHandler(orc).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, repo
}

func decodeResult(t *testing.T, resp *http.Response) orchestrator.Result {
	t.Helper()
	defer resp.Body.Close()
	var res orchestrator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func TestHandler_CreateConnection(t *testing.T) {
	gateway := new(providermock.ClientMock)
	gateway.On("CreateInstance", mock.Anything, "support-line").
		Return(&provider.InstanceCredentials{ExternalID: "inst-1", SessionToken: "tok"}, nil)
	srv, _ := newTestServer(t, gateway)

	resp, err := http.Post(srv.URL+"/v1/tenants/tenant-1/connections", "application/json",
		strings.NewReader(`{"display_name": "support-line", "queue": "support"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeResult(t, resp)
	assert.True(t, res.OK)

	data, ok := res.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "tenant-1", data["tenant_id"])
	assert.Equal(t, string(model.StateAwaitingScan), data["state"])
	assert.Equal(t, "support", data["queue"])
}

func TestHandler_GetConnection_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, new(providermock.ClientMock))

	resp, err := http.Get(srv.URL + "/v1/connections/missing")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	res := decodeResult(t, resp)
	assert.False(t, res.OK)
	assert.Equal(t, "not_found", res.ErrorKind)
}

func TestHandler_Send(t *testing.T) {
	conn := model.NewConnection(&model.Connection{TenantID: "tenant-1", State: model.StateConnected})
	gateway := new(providermock.ClientMock)
	gateway.On("SendMessage", mock.Anything, conn.ExternalInstanceID, "5511999990000", "hello").
		Return(&provider.SendReceipt{ProviderMessageID: "prov-1"}, nil)
	srv, _ := newTestServer(t, gateway, conn)

	resp, err := http.Post(srv.URL+"/v1/tenants/tenant-1/messages", "application/json",
		strings.NewReader(`{"remote_id": "5511999990000", "text": "hello"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeResult(t, resp)
	assert.True(t, res.OK)
}

func TestHandler_Send_NoCapacity(t *testing.T) {
	srv, _ := newTestServer(t, new(providermock.ClientMock))

	resp, err := http.Post(srv.URL+"/v1/tenants/tenant-1/messages", "application/json",
		strings.NewReader(`{"remote_id": "5511999990000", "text": "hello"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	res := decodeResult(t, resp)
	assert.Equal(t, "no_capacity", res.ErrorKind)
}

func TestHandler_Send_MissingFields(t *testing.T) {
	srv, _ := newTestServer(t, new(providermock.ClientMock))

	resp, err := http.Post(srv.URL+"/v1/tenants/tenant-1/messages", "application/json",
		strings.NewReader(`{"text": "no recipient"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_DeleteConnection(t *testing.T) {
	conn := model.NewConnection(&model.Connection{TenantID: "tenant-1", State: model.StateConnected})
	gateway := new(providermock.ClientMock)
	gateway.On("DeleteInstance", mock.Anything, conn.ExternalInstanceID).Return(nil)
	srv, repo := newTestServer(t, gateway, conn)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/connections/"+conn.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stored, err := repo.FindByID(req.Context(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, stored.State)
}

func TestHandler_RefreshQR_Conflict(t *testing.T) {
	conn := model.NewConnection(&model.Connection{TenantID: "tenant-1", State: model.StateClosed})
	srv, _ := newTestServer(t, new(providermock.ClientMock), conn)

	resp, err := http.Get(srv.URL + "/v1/connections/" + conn.ID + "/qr")
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	res := decodeResult(t, resp)
	assert.Equal(t, "state_conflict", res.ErrorKind)
}

func TestHandler_AssignOwner(t *testing.T) {
	conn := model.NewConnection(&model.Connection{
		TenantID:             "tenant-default",
		State:                model.StateConnected,
		NeedsOwnerAssignment: true,
	})
	srv, repo := newTestServer(t, new(providermock.ClientMock), conn)

	resp, err := http.Post(srv.URL+"/v1/connections/"+conn.ID+"/owner", "application/json",
		strings.NewReader(`{"tenant_id": "tenant-7"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stored, err := repo.FindByID(resp.Request.Context(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-7", stored.TenantID)
}
