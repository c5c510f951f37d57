package consumer

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/metrics"
	"github.com/douxiyou/vita-monit/internal/observer"
	"github.com/douxiyou/vita-monit/internal/protocol"
	"github.com/douxiyou/vita-monit/internal/registry"
)

const testClientID = "A1:B2:C3:D4:E5:F6"

var testMAC = []byte{0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6}

type published struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: payload, qos: qos, retain: retain})
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	items []observer.Notification
}

func (s *recordingSink) Notify(n observer.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
}

func (s *recordingSink) kinds() []observer.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]observer.Kind, len(s.items))
	for i, n := range s.items {
		out[i] = n.Kind
	}
	return out
}

func bootFrame(version string) []byte {
	buf := []byte{0xAA, 0x44}
	buf = append(buf, testMAC...)
	buf = append(buf, []byte(version)...)
	return append(buf, protocol.TailByte)
}

func healthFrame(battery byte, withBlock bool) []byte {
	buf := []byte{0xAA, 0x55}
	buf = append(buf, testMAC...)
	if !withBlock {
		buf = append(buf, battery, 1, 0x00, 0x01, 0x00)
		return append(buf, protocol.TailByte)
	}
	block := make([]byte, 27)
	binary.LittleEndian.PutUint32(block[2:6], 1700000000)
	binary.BigEndian.PutUint32(block[6:10], 7)
	block[10] = 72
	block[11] = 98
	block[12] = 0x01
	binary.BigEndian.PutUint32(block[13:17], uint32(365))
	binary.BigEndian.PutUint32(block[17:21], uint32(368))
	buf = append(buf, battery, 1, 0x00, byte(len(block)))
	buf = append(buf, block...)
	return append(buf, protocol.TailByte)
}

func alarmFrame(mask byte) []byte {
	buf := []byte{0xAA, 0x77}
	buf = append(buf, testMAC...)
	buf = append(buf, 0x00, 0x10, mask, 0x00)
	return append(buf, protocol.TailByte)
}

type bridgeFixture struct {
	bridge    *BrokerBridge
	registry  *registry.MemoryRegistry
	publisher *fakePublisher
	sink      *recordingSink
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	clock     time.Time
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	promReg := prometheus.NewRegistry()
	f := &bridgeFixture{
		registry:  registry.NewMemoryRegistry(registry.DefaultLogCapacity),
		publisher: &fakePublisher{},
		sink:      &recordingSink{},
		metrics:   metrics.New(promReg),
		gatherer:  promReg,
		clock:     time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	f.bridge = NewBrokerBridge(f.registry, f.publisher, f.sink, f.metrics,
		BridgeOptions{ProcessOrigin: "worker-0"}, zap.NewNop())
	f.bridge.now = func() time.Time { return f.clock }
	return f
}

func (f *bridgeFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestBridge_ConnectRegistersOnlineDevice(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.HandleConnect(testClientID)

	rec, ok := f.registry.Get("a1:b2:c3:d4:e5:f6")
	require.True(t, ok)
	assert.Equal(t, registry.StatusOnline, rec.Status)
	assert.Equal(t, f.clock, rec.ConnectTime)
	assert.Equal(t, "worker-0", rec.ProcessOrigin)
	assert.Empty(t, rec.Alarms)

	assert.Equal(t, []observer.Kind{observer.KindDeviceOnline}, f.sink.kinds())
	require.NotNil(t, f.sink.items[0].Record)
	assert.Equal(t, registry.StatusOnline, f.sink.items[0].Record.Status)
	assert.Equal(t, float64(1), f.onlineDevices(t))
}

// onlineDevices 读取 vita_devices_online 当前值
func (f *bridgeFixture) onlineDevices(t *testing.T) float64 {
	t.Helper()
	families, err := f.gatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "vita_devices_online" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("vita_devices_online not registered")
	return 0
}

func TestBridge_HealthFrameUpdatesVitalsAndAcks(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect(testClientID)

	f.advance(time.Second)
	f.bridge.HandlePublish(testClientID, "uplink", healthFrame(87, true))

	rec, ok := f.registry.Get("a1:b2:c3:d4:e5:f6")
	require.True(t, ok)
	assert.Equal(t, 72, rec.LastHealth.HeartRate)
	assert.Equal(t, 98, rec.LastHealth.BloodOxygen)
	assert.InDelta(t, 36.5, rec.LastHealth.WristTemp, 0.001)
	assert.InDelta(t, 36.8, rec.LastHealth.BodyTemp, 0.001)
	assert.True(t, rec.LastHealth.Worn)
	assert.Equal(t, uint32(1700000000), rec.LastHealth.Timestamp)
	require.NotNil(t, rec.Battery)
	assert.Equal(t, 87, *rec.Battery)
	require.NotNil(t, rec.LastSeen)
	assert.Equal(t, f.clock, *rec.LastSeen)

	require.Len(t, f.publisher.msgs, 1)
	msg := f.publisher.msgs[0]
	assert.Equal(t, testClientID, msg.topic)
	assert.Equal(t, []byte{0xAA, 0x55, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6, 0x01, 0x0D}, msg.payload)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retain)

	assert.Equal(t, []observer.Kind{
		observer.KindDeviceOnline,
		observer.KindDataReceived,
		observer.KindDataSent,
	}, f.sink.kinds())
	received := f.sink.items[1]
	assert.Equal(t, "health_data", received.FrameType)
	assert.Equal(t, "uplink", received.Topic)
	_, isHealth := received.Frame.(protocol.HealthDataFrame)
	assert.True(t, isHealth)
	assert.Equal(t, "aa55a1b2c3d4e5f6010d", f.sink.items[2].RawHex)
}

func TestBridge_HealthFrameWithoutBlockKeepsVitals(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect(testClientID)
	f.bridge.HandlePublish(testClientID, "uplink", healthFrame(87, true))

	f.bridge.HandlePublish(testClientID, "uplink", healthFrame(40, false))

	rec, _ := f.registry.Get("a1:b2:c3:d4:e5:f6")
	assert.Equal(t, 72, rec.LastHealth.HeartRate)
	assert.Equal(t, 40, *rec.Battery)
	assert.Len(t, f.publisher.msgs, 2)
}

func TestBridge_BootFrameAcksWithNoUpgrade(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect(testClientID)

	f.bridge.HandlePublish(testClientID, "uplink", bootFrame("2.1"))

	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t,
		[]byte{0xAA, 0x44, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6, 0x00, 0x00, 0x0D},
		f.publisher.msgs[0].payload)

	rec, _ := f.registry.Get("a1:b2:c3:d4:e5:f6")
	assert.Equal(t, "2.1", rec.SoftwareVersion)
}

func TestBridge_AlarmFrameAppendsHistory(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect(testClientID)

	f.advance(time.Minute)
	f.bridge.HandlePublish(testClientID, "uplink", alarmFrame(0x03))

	rec, _ := f.registry.Get("a1:b2:c3:d4:e5:f6")
	require.Len(t, rec.Alarms, 2)
	assert.Equal(t, protocol.AlarmLowBattery, rec.Alarms[0].Type)
	assert.Equal(t, protocol.AlarmSOS, rec.Alarms[1].Type)
	assert.Equal(t, f.clock, rec.Alarms[0].Time)

	logs := f.registry.Logs()
	last := logs[len(logs)-1]
	assert.Equal(t, registry.SeverityAlarm, last.Severity)
	assert.Equal(t, "device alarm: a1:b2:c3:d4:e5:f6 LowBattery,SOS", last.Message)

	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, []byte{0xAA, 0x77, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6, 0x01, 0x0D}, f.publisher.msgs[0].payload)
}

func TestBridge_UnknownFrameGetsNoAck(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect(testClientID)

	f.bridge.HandlePublish(testClientID, "uplink", []byte{0x01, 0x02, 0x03})

	assert.Empty(t, f.publisher.msgs)
	assert.Equal(t, []observer.Kind{observer.KindDeviceOnline, observer.KindDataReceived}, f.sink.kinds())
	assert.Equal(t, "unknown", f.sink.items[1].FrameType)
	assert.Equal(t, "010203", f.sink.items[1].RawHex)
}

func TestBridge_DisconnectKeepsLastHealth(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect(testClientID)
	f.bridge.HandlePublish(testClientID, "uplink", healthFrame(87, true))

	f.advance(time.Hour)
	f.bridge.HandleDisconnect(testClientID)

	rec, ok := f.registry.Get("a1:b2:c3:d4:e5:f6")
	require.True(t, ok)
	assert.Equal(t, registry.StatusOffline, rec.Status)
	require.NotNil(t, rec.DisconnectTime)
	assert.Equal(t, f.clock, *rec.DisconnectTime)
	assert.Equal(t, 72, rec.LastHealth.HeartRate)

	kinds := f.sink.kinds()
	assert.Equal(t, observer.KindDeviceOffline, kinds[len(kinds)-1])
	assert.Equal(t, float64(0), f.onlineDevices(t))
}

func TestBridge_ReconnectResetsHistory(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect(testClientID)
	f.bridge.HandlePublish(testClientID, "uplink", alarmFrame(0x02))
	f.bridge.HandleDisconnect(testClientID)

	f.bridge.HandleConnect(testClientID)

	rec, _ := f.registry.Get("a1:b2:c3:d4:e5:f6")
	assert.Equal(t, registry.StatusOnline, rec.Status)
	assert.Empty(t, rec.Alarms)
	assert.Nil(t, rec.DisconnectTime)
	assert.Equal(t, float64(1), f.onlineDevices(t))
}

func TestBridge_PublishFromUnregisteredDevice(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.HandlePublish(testClientID, "uplink", healthFrame(87, true))

	assert.Equal(t, 0, f.registry.Len())
	assert.Empty(t, f.registry.Logs())
	// 应答与注册表状态无关
	assert.Len(t, f.publisher.msgs, 1)
}

func TestBridge_NonMACClientGetsNoAck(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect("dashboard")
	f.bridge.HandlePublish("dashboard", "uplink", bootFrame("1.0"))

	_, ok := f.registry.Get("dashboard")
	assert.True(t, ok)
	assert.Empty(t, f.publisher.msgs)
}

func TestBridge_DownlinkPrefix(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.opts.DownlinkPrefix = "down/"

	f.bridge.HandlePublish(testClientID, "uplink", bootFrame("1.0"))

	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, "down/"+testClientID, f.publisher.msgs[0].topic)
}

func TestBridge_AckFailureIsNotFatal(t *testing.T) {
	f := newBridgeFixture(t)
	f.publisher.err = errors.New("broker closed")
	f.bridge.HandleConnect(testClientID)

	assert.NotPanics(t, func() {
		f.bridge.HandlePublish(testClientID, "uplink", bootFrame("1.0"))
	})
	for _, k := range f.sink.kinds() {
		assert.NotEqual(t, observer.KindDataSent, k)
	}
	rec, _ := f.registry.Get("a1:b2:c3:d4:e5:f6")
	assert.Equal(t, "1.0", rec.SoftwareVersion)
}

func TestBridge_OnlineGaugeFollowsConnections(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.HandleConnect(testClientID)
	f.registry.Clear()
	f.bridge.HandleDisconnect(testClientID)
	assert.Equal(t, float64(0), f.onlineDevices(t))

	f.bridge.HandleConnect(testClientID)
	f.registry.Clear()
	f.bridge.HandleConnect(testClientID)
	assert.Equal(t, float64(1), f.onlineDevices(t))

	f.bridge.HandleDisconnect(testClientID)
	f.bridge.HandleDisconnect(testClientID)
	assert.Equal(t, float64(0), f.onlineDevices(t))
}

func TestBridge_OnlineGaugeIgnoresForeignRecords(t *testing.T) {
	f := newBridgeFixture(t)
	// 另一个 worker 写入的在线记录
	f.registry.Add("a1:b2:c3:d4:e5:f6", registry.Info{Status: registry.StatusOnline, ProcessOrigin: "worker-1"})

	f.bridge.HandleDisconnect(testClientID)
	assert.Equal(t, float64(0), f.onlineDevices(t))

	f.bridge.HandleConnect(testClientID)
	assert.Equal(t, float64(1), f.onlineDevices(t))
}

func TestBridge_DownlinkTopicKeepsClientID(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleConnect("A1B2C3D4E5F6")

	f.bridge.HandlePublish("A1B2C3D4E5F6", "uplink", bootFrame("1.0"))

	_, ok := f.registry.Get("a1:b2:c3:d4:e5:f6")
	assert.True(t, ok)
	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, "A1B2C3D4E5F6", f.publisher.msgs[0].topic)
	assert.Equal(t, []byte{0xAA, 0x44, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6, 0x00, 0x00, 0x0D}, f.publisher.msgs[0].payload)
}
