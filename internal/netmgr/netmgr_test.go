package netmgr

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dqm4hep/netfabric/internal/netcore"
	"github.com/dqm4hep/netfabric/internal/server"
)

func freePort(t *testing.T) int {
	t.Helper()
	port := netcore.FindAvailablePort(netcore.DefaultPortRangeStart, netcore.DefaultPortRangeEnd)
	require.NotEqual(t, -1, port)
	return port
}

func startManager(t *testing.T) (*Manager, int) {
	t.Helper()
	port := freePort(t)
	srv := server.New(nil)
	m := New(srv)
	require.NoError(t, m.Bind(netcore.BindConfig{Port: port, EnableHTTP: true, EnableWebsockets: true}))
	t.Cleanup(m.Stop)
	return m, port
}

func dialServers(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://localhost:%d/servers", port), nil)
	require.NoError(t, err)
	return conn
}

func TestRegistryRoundTrip(t *testing.T) {
	_, port := startManager(t)

	conn := dialServers(t, port)
	defer conn.Close()

	reg := registerMessage{Action: "register", Server: "A", Host: "h1", Port: 6000, Services: netcore.ServiceInfo{"/x": netcore.ServicePubSub}}
	payload, err := json.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/list", port))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var fleet map[string]netcore.ServerInfo
		if json.Unmarshal(body, &fleet) != nil {
			return false
		}
		info, ok := fleet["A"]
		return ok && info.Host == "h1" && info.Port == 6000
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/list", port))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var fleet map[string]netcore.ServerInfo
		if json.Unmarshal(body, &fleet) != nil {
			return false
		}
		return len(fleet) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryConflict(t *testing.T) {
	_, port := startManager(t)

	first := dialServers(t, port)
	defer first.Close()
	reg := registerMessage{Action: "register", Server: "A", Host: "h1", Port: 6000}
	payload, _ := json.Marshal(reg)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, payload))

	require.Eventually(t, func() bool {
		m, _ := startedManagerList(t, port)
		_, ok := m["A"]
		return ok
	}, time.Second, 10*time.Millisecond)

	second := dialServers(t, port)
	defer second.Close()
	require.NoError(t, second.WriteMessage(websocket.TextMessage, payload))

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)

	var regfail regfailMessage
	require.NoError(t, json.Unmarshal(data, &regfail))
	assert.Equal(t, "regfail", regfail.Subject)
	assert.NotEmpty(t, regfail.Reason)

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = second.ReadMessage()
	assert.Error(t, err)
}

func startedManagerList(t *testing.T, port int) (map[string]netcore.ServerInfo, error) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/list", port))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var fleet map[string]netcore.ServerInfo
	_ = json.Unmarshal(body, &fleet)
	return fleet, nil
}

func TestApplyRemote_UnionsIntoListWithLocalPriority(t *testing.T) {
	m, port := startManager(t)

	m.ApplyRemote("register", netcore.ServerInfo{Name: "B", Host: "remote-host", Port: 7000}, "")
	require.Eventually(t, func() bool {
		fleet := m.List()
		info, ok := fleet["B"]
		return ok && info.Host == "remote-host"
	}, time.Second, 10*time.Millisecond)

	conn := dialServers(t, port)
	defer conn.Close()
	reg := registerMessage{Action: "register", Server: "B", Host: "local-host", Port: 8000}
	payload, err := json.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	require.Eventually(t, func() bool {
		info, ok := m.List()["B"]
		return ok && info.Host == "local-host"
	}, time.Second, 10*time.Millisecond, "a locally registered name must win over a remote mirror entry")

	m.ApplyRemote("deregister", netcore.ServerInfo{}, "B")
	time.Sleep(50 * time.Millisecond)
	info, ok := m.List()["B"]
	assert.True(t, ok && info.Host == "local-host", "deregistering a remote entry must not remove the local registration sharing its name")
}

func TestRegistryUnknownActionIgnored(t *testing.T) {
	_, port := startManager(t)

	conn := dialServers(t, port)
	defer conn.Close()

	payload, _ := json.Marshal(map[string]string{"action": "ping"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	time.Sleep(50 * time.Millisecond)
	fleet, err := startedManagerList(t, port)
	require.NoError(t, err)
	assert.Empty(t, fleet)
}
