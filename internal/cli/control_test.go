package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/database"
	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
	"github.com/Spatial-NVR/SpatialRTLS/internal/relay"
)

// Campus 1 > Building 2 (envelope) > Room 3, with an OnEnter trigger on the
// room and a transition rule into it for T1.
const controlFixture = `
INSERT INTO zone_types (zone_type_id, name) VALUES (1, 'campus'), (2, 'building-envelope'), (3, 'room');
INSERT INTO zones (zone_id, name, zone_type_id, parent_zone_id, map_id) VALUES
	(1, 'Campus', 1, NULL, 1),
	(2, 'Building', 2, 1, 1),
	(3, 'Room', 3, 2, 1);
INSERT INTO regions (region_id, zone_id, min_x, min_y, min_z, max_x, max_y, max_z) VALUES
	(10, 2, 0, 0, 0, 100, 100, 30),
	(11, 3, 0, 0, 0, 10, 10, 10);
INSERT INTO triggers (trigger_id, name, direction_id, zone_id, region_id, is_portable, ignore_unknowns) VALUES
	(100, 'Room door', 3, 3, 11, 0, 1);
INSERT INTO device_types (device_type_id, name) VALUES (1, 'tag');
INSERT INTO devices (device_id, device_type_id, name) VALUES ('T1', 1, 'Cart');
INSERT INTO rules (rule_id, name, is_enabled, priority, conditions) VALUES
	(1, 'Into room', 1, 1, '{"rule_type":"zone_transition","subject_id":"T1","to_zone":3}');
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.System.Database.Path = filepath.Join(t.TempDir(), "rtls.db")
	cfg.Bus.URL = ""
	cfg.Bus.Port = -1
	return cfg
}

func seed(t *testing.T, cfg *config.Config) {
	t.Helper()
	db, err := database.Open(database.FromSettings(cfg.System.Database))
	require.NoError(t, err)
	defer db.Close()

	_, err = database.NewMigrator(db).Run(context.Background())
	require.NoError(t, err)
	_, err = db.Exec(controlFixture)
	require.NoError(t, err)
}

func startControl(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := newControlNode(context.Background(), cfg, logger, metrics.New())
	require.NoError(t, err)

	ts := httptest.NewServer(node.Handler())
	t.Cleanup(func() {
		node.Close()
		ts.Close()
	})
	return ts
}

// readFrames collects frames until every wanted type has arrived, echoing
// heartbeats along the way
func readFrames(t *testing.T, conn *websocket.Conn, want ...string) map[string][]byte {
	t.Helper()
	got := make(map[string][]byte)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(want) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "received %d of %v", len(got), want)

		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		if head.Type == relay.TypeHeartBeat {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
			continue
		}
		for _, typ := range want {
			if head.Type == typ {
				got[typ] = data
			}
		}
	}
	return got
}

func TestControlNodeEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg)
	ts := startControl(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(relay.NewBeginStream("1", []relay.StreamParam{{ID: "T1", Data: "true"}}, 0)))
	var resp relay.Response
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, relay.ResponseBeginStream, resp.Request)
	require.Empty(t, resp.Msg)

	body := `{"type":"GISData","ID":"T1","X":5,"Y":5,"Z":5,"CNF":0.9,"Bat":80}`
	res, err := http.Post(ts.URL+"/api/v1/positions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	frames := readFrames(t, conn, relay.TypeGISData, events.TypeTriggerEvent, events.TypeRuleEvent)

	var gis relay.GISData
	require.NoError(t, json.Unmarshal(frames[relay.TypeGISData], &gis))
	assert.Equal(t, "T1", gis.ID)
	assert.Equal(t, 5.0, gis.X)

	var trig events.TriggerEvent
	require.NoError(t, json.Unmarshal(frames[events.TypeTriggerEvent], &trig))
	assert.Equal(t, int64(100), trig.TriggerID)
	assert.Equal(t, "T1", trig.TagID)
	assert.Equal(t, "OnEnter", trig.Direction)

	var rule events.RuleEvent
	require.NoError(t, json.Unmarshal(frames[events.TypeRuleEvent], &rule))
	assert.Equal(t, int64(1), rule.RuleID)
	assert.Equal(t, "T1", rule.TagID)
	assert.Equal(t, "TRANSITIONED", rule.Status)
}

func TestControlNodeHealth(t *testing.T) {
	cfg := testConfig(t)
	ts := startControl(t, cfg)

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Data struct {
			Status string            `json:"status"`
			Role   string            `json:"role"`
			Checks map[string]string `json:"checks"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Data.Status)
	assert.Equal(t, "control", body.Data.Role)
	assert.Contains(t, body.Data.Checks, "database")
	assert.Contains(t, body.Data.Checks, "bus")
}

func TestControlNodeReloadsRules(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg)
	ts := startControl(t, cfg)

	res, err := http.Post(ts.URL+"/api/v1/rules/reload", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
