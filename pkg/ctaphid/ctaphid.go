// Package ctaphid implements the CTAPHID transport state machine
// (spec.md 4.D): 64-byte HID report reassembly, channel allocation, a
// single advisory channel lock, and command dispatch to the CTAP2
// engine, PING/WINK/LOCK handling and a stub U2F (MSG) route.
//
// Grounded on the reference repo's long-lived-goroutine pattern
// (pkg/ble's Advertiser.Start / Scanner.StartScanning): a single worker
// goroutine selects on a context and an event channel, processing events
// strictly in receipt order, exactly as spec.md 5 requires.
package ctaphid

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"ctap2key/pkg/ctap2"
)

const reportSize = 64

// BroadcastCID is the channel id reserved for INIT requests.
const BroadcastCID uint32 = 0xFFFFFFFF

// PayloadMax bounds the declared total length of a reassembled frame.
// 7609 is the classic CTAPHID ceiling (57 + 128*59): long enough for any
// request this baseline's CTAP2 engine produces or accepts.
const PayloadMax = 7609

// Command byte values (top bit stripped), per spec.md 4.D.
const (
	cmdPing  = 0x01
	cmdMsg   = 0x03
	cmdLock  = 0x04
	cmdInit  = 0x06
	cmdWink  = 0x08
	cmdCBOR  = 0x10
	cmdError = 0x3F
)

// CTAPHID error codes, sent as the single payload byte of a cmdError
// frame.
const (
	ErrInvalidCmd    = 0x01
	ErrInvalidPar    = 0x02
	ErrInvalidLen    = 0x03
	ErrInvalidSeq    = 0x04
	ErrMsgTimeout    = 0x05
	ErrChannelBusy   = 0x06
	ErrLockRequired  = 0x0A
	ErrSyncFail      = 0x0B
	ErrOther         = 0x7F
)

// Capability bits reported in the INIT response.
const (
	capWink = 0x01
	capCBOR = 0x04
	capNoMsg = 0x08
)

const protocolVersion = 2

// Device version reported in the INIT response; this baseline has no
// real product version, so it reports 0.1.0.
const (
	deviceMajor = 0
	deviceMinor = 1
	deviceBuild = 0
)

// ReportWriter is how a Transport emits outgoing 64-byte reports. A
// real host binding implements this over the physical HID endpoint;
// cmd/ctap2key implements it over stdout.
type ReportWriter interface {
	WriteReport(report [reportSize]byte) error
}

// U2FHandler answers MSG (CTAP1/U2F) frames. It is out of scope for this
// baseline (spec.md 1): the only implementation shipped is stubU2F,
// which always declines.
type U2FHandler interface {
	HandleMessage(payload []byte) (response []byte, ok bool)
}

type stubU2F struct{}

func (stubU2F) HandleMessage([]byte) ([]byte, bool) { return nil, false }

type eventKind int

const (
	eventReport eventKind = iota
	eventUnlock
	eventStop
)

type event struct {
	kind   eventKind
	report [reportSize]byte
}

type reassembly struct {
	cmd     byte
	total   int
	buf     []byte
	nextSeq byte
}

type lockState struct {
	cid      uint32
	deadline time.Time
	timer    *time.Timer
}

// Transport is the CTAPHID state machine. It holds a non-owning
// reference to the CTAP2 engine (spec.md 5): the engine and the
// credential store it wraps are constructed and destroyed by the
// caller.
type Transport struct {
	engine *ctap2.Engine
	writer ReportWriter
	u2f    U2FHandler
	logger *log.Logger

	events chan event

	allocated   map[uint32]bool
	reassembly  map[uint32]*reassembly
	lock        *lockState
	winkFunc    func()
}

// NewTransport builds a Transport around engine, writing responses to
// writer. A nil u2f installs the INVALID_CMD stub; a nil wink is a
// no-op.
func NewTransport(engine *ctap2.Engine, writer ReportWriter, u2f U2FHandler, wink func(), logger *log.Logger) *Transport {
	if u2f == nil {
		u2f = stubU2F{}
	}
	if wink == nil {
		wink = func() {}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{
		engine:     engine,
		writer:     writer,
		u2f:        u2f,
		logger:     logger,
		events:     make(chan event, 32),
		allocated:  make(map[uint32]bool),
		reassembly: make(map[uint32]*reassembly),
		winkFunc:   wink,
	}
}

// DeliverReport is the ISR-facing entry point (spec.md 5): it posts an
// event to the transport worker and returns without decoding anything.
func (t *Transport) DeliverReport(report [reportSize]byte) {
	t.events <- event{kind: eventReport, report: report}
}

// Stop posts a stop event, causing Run to return once prior events have
// drained.
func (t *Transport) Stop() {
	t.events <- event{kind: eventStop}
}

// Run is the transport worker: a single long-lived loop that processes
// events strictly in receipt order until ctx is cancelled or Stop is
// called (spec.md 5).
func (t *Transport) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			switch ev.kind {
			case eventReport:
				t.handleReport(ev.report)
			case eventUnlock:
				t.lock = nil
			case eventStop:
				return
			}
		}
	}
}

func decodeCID(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func encodeCID(cid uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], cid)
	return b
}

func (t *Transport) handleReport(report [reportSize]byte) {
	cid := decodeCID(report[0:4])
	isInit := report[4]&0x80 != 0

	if !isInit {
		t.handleContinuation(cid, report)
		return
	}

	cmd := report[4] &^ 0x80
	length := int(binary.BigEndian.Uint16(report[5:7]))

	if cmd == cmdInit {
		t.handleInit(cid, report, length)
		return
	}

	if t.lock != nil && cid != t.lock.cid {
		return
	}
	if !t.allocated[cid] {
		return
	}

	// Declared length exceeds PAYLOAD_MAX: drop without a response
	// (spec.md 4.D), not an error frame.
	if length > PayloadMax {
		return
	}

	if length <= 57 {
		t.dispatch(cid, cmd, append([]byte(nil), report[7:7+length]...))
		delete(t.reassembly, cid)
		return
	}

	buf := make([]byte, 0, length)
	buf = append(buf, report[7:64]...)
	t.reassembly[cid] = &reassembly{cmd: cmd, total: length, buf: buf, nextSeq: 0}
}

func (t *Transport) handleContinuation(cid uint32, report [reportSize]byte) {
	if t.lock != nil && cid != t.lock.cid {
		return
	}
	r, ok := t.reassembly[cid]
	if !ok {
		return
	}
	seq := report[4]
	if seq != r.nextSeq {
		return
	}

	remaining := r.total - len(r.buf)
	take := 59
	if remaining < take {
		take = remaining
	}
	r.buf = append(r.buf, report[5:5+take]...)
	r.nextSeq++

	if len(r.buf) >= r.total {
		t.dispatch(cid, r.cmd, r.buf)
		delete(t.reassembly, cid)
	}
}

func (t *Transport) handleInit(cid uint32, report [reportSize]byte, length int) {
	if t.lock != nil {
		t.writeError(BroadcastCID, ErrLockRequired)
		return
	}
	if cid != BroadcastCID {
		t.writeError(cid, ErrInvalidPar)
		return
	}
	if length != 8 {
		t.writeError(BroadcastCID, ErrInvalidLen)
		return
	}
	nonce := append([]byte(nil), report[7:15]...)

	newCID, err := t.allocateCID()
	if err != nil {
		t.logger.Printf("ctaphid: %v", err)
		t.writeError(BroadcastCID, ErrOther)
		return
	}
	t.allocated[newCID] = true

	resp := make([]byte, 0, 17)
	resp = append(resp, nonce...)
	cidBytes := encodeCID(newCID)
	resp = append(resp, cidBytes[:]...)
	resp = append(resp, protocolVersion, deviceMajor, deviceMinor, deviceBuild)
	resp = append(resp, capCBOR)

	t.writeResponse(BroadcastCID, cmdInit, resp)
}

func (t *Transport) allocateCID() (uint32, error) {
	for i := 0; i < 16; i++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("ctaphid: generating channel id: %w", err)
		}
		cid := binary.LittleEndian.Uint32(b[:])
		if cid == BroadcastCID || cid == 0 || t.allocated[cid] {
			continue
		}
		return cid, nil
	}
	return 0, fmt.Errorf("ctaphid: could not allocate a free channel id")
}

// dispatch routes one fully reassembled payload to its command handler.
func (t *Transport) dispatch(cid uint32, cmd byte, payload []byte) {
	switch cmd {
	case cmdPing:
		t.writeResponse(cid, cmdPing, payload)
	case cmdWink:
		if len(payload) != 0 {
			t.writeError(cid, ErrInvalidLen)
			return
		}
		t.winkFunc()
		t.writeResponse(cid, cmdWink, nil)
	case cmdLock:
		t.handleLock(cid, payload)
	case cmdCBOR:
		resp := t.engine.Handle(payload)
		t.writeResponse(cid, cmdCBOR, resp)
	case cmdMsg:
		if resp, ok := t.u2f.HandleMessage(payload); ok {
			t.writeResponse(cid, cmdMsg, resp)
			return
		}
		t.writeError(cid, ErrInvalidCmd)
	default:
		t.writeError(cid, ErrInvalidCmd)
	}
}

func (t *Transport) handleLock(cid uint32, payload []byte) {
	if len(payload) != 1 {
		t.writeError(cid, ErrInvalidLen)
		return
	}
	seconds := payload[0]

	if t.lock != nil && t.lock.timer != nil {
		t.lock.timer.Stop()
	}

	if seconds == 0 {
		t.lock = nil
		t.writeResponse(cid, cmdLock, nil)
		return
	}

	duration := time.Duration(seconds) * time.Second
	l := &lockState{cid: cid, deadline: time.Now().Add(duration)}
	l.timer = time.AfterFunc(duration, func() {
		t.events <- event{kind: eventUnlock}
	})
	t.lock = l
	t.writeResponse(cid, cmdLock, nil)
}

// writeResponse fragments payload into init + continuation frames and
// writes each through the configured ReportWriter (spec.md 4.D).
func (t *Transport) writeResponse(cid uint32, cmd byte, payload []byte) {
	cidBytes := encodeCID(cid)

	var report [reportSize]byte
	copy(report[0:4], cidBytes[:])
	report[4] = cmd | 0x80
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
	n := copy(report[7:64], payload)
	if err := t.writer.WriteReport(report); err != nil {
		t.logger.Printf("ctaphid: writing init frame: %v", err)
		return
	}
	payload = payload[n:]

	seq := byte(0)
	for len(payload) > 0 {
		var cont [reportSize]byte
		copy(cont[0:4], cidBytes[:])
		cont[4] = seq
		m := copy(cont[5:64], payload)
		if err := t.writer.WriteReport(cont); err != nil {
			t.logger.Printf("ctaphid: writing continuation frame: %v", err)
			return
		}
		payload = payload[m:]
		seq++
	}
}

func (t *Transport) writeError(cid uint32, code byte) {
	t.writeResponse(cid, cmdError, []byte{code})
}
