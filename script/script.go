// Package script adapts github.com/yuin/gopher-lua into the per-worker
// script VM described in spec.md §4.F, grounded line-for-line on
// _examples/original_source/src/lua_vm.cpp and include/lua_vm.h: the same
// host function set, the same protocol-to-handler dispatch table, the same
// "load/parse error leaves the VM uninitialized" and "handler error is
// logged, not fatal" dispositions.
package script

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/ring"
)

// handlerNames is the fixed protocol -> Lua global dispatch table from
// spec.md §4.F. Rtp has no slot: its handler is optional and looked up by
// the same name-or-noop rule, not a required entry.
var handlerNames = map[event.ProtocolType]string{
	event.Tcp: "on_tcp_message",
	event.Udp: "on_udp_signal",
}

const rtpHandlerName = "on_rtp_message"
const timerHandlerName = "on_timer"

// VM is one worker's embedded interpreter instance.
type VM struct {
	WorkerIndex int
	ScriptPath  string

	// ToTcpIO and ToUdpIO are separate rings (not one shared queue) so
	// that the tcp and udp reactor pools never contend on the same shard
	// — see reactor/tcp and reactor/udp's drainOneOutbound.
	ToTcpIO *ring.Ring[event.GenericTask]
	ToUdpIO *ring.Ring[event.GenericTask]
	ToDisk  *ring.Ring[event.GenericTask]
	ToLog   *ring.Ring[event.LogTask]

	Log *logger.Logger

	state *lua.LState
}

// Init loads the host standard library, registers host functions, and runs
// the user script. A load or parse failure is logged and leaves the VM
// uninitialized: HandleEvent becomes a no-op, matching lua_vm.cpp's Init.
func (vm *VM) Init() {
	l := lua.NewState()
	l.SetGlobal("send_tcp", l.NewFunction(vm.luaSendTcp))
	l.SetGlobal("send_udp", l.NewFunction(vm.luaSendUdp))
	l.SetGlobal("post_disk_task", l.NewFunction(vm.luaPostDiskTask))
	l.SetGlobal("call_external_service", l.NewFunction(vm.luaCallExternalService))
	l.SetGlobal("log", l.NewFunction(vm.luaLog))
	l.SetGlobal("persist_state", l.NewFunction(vm.luaPersistState))

	if err := l.DoFile(vm.ScriptPath); err != nil {
		vm.Log.Errorf("failed to load lua script %s: %v", vm.ScriptPath, err)
		l.Close()
		return
	}
	vm.state = l
}

// Close releases the underlying Lua state, if one was created.
func (vm *VM) Close() {
	if vm.state != nil {
		vm.state.Close()
		vm.state = nil
	}
}

// HandleEvent dispatches ev to the handler named by its protocol. A
// protocol = Unknown event with an empty payload is the timer tick
// (event.Event.IsTimerTick); every other Unknown/unmapped protocol is
// silently ignored.
func (vm *VM) HandleEvent(ev event.Event) {
	if vm.state == nil {
		return
	}

	var handler string
	switch {
	case ev.IsTimerTick():
		handler = timerHandlerName
	case ev.Protocol == event.Rtp:
		handler = rtpHandlerName
	default:
		name, ok := handlerNames[ev.Protocol]
		if !ok {
			return
		}
		handler = name
	}
	vm.callHandler(handler, ev)
}

func (vm *VM) callHandler(handlerName string, ev event.Event) {
	fn := vm.state.GetGlobal(handlerName)
	if fn.Type() != lua.LTFunction {
		return
	}
	vm.state.Push(fn)
	vm.state.Push(eventTable(vm.state, ev))
	if err := vm.state.PCall(1, 0, nil); err != nil {
		vm.Log.Errorf("lua handler %s error: %v", handlerName, err)
	}
}

func eventTable(l *lua.LState, ev event.Event) *lua.LTable {
	t := l.NewTable()
	t.RawSetString("protocol", lua.LNumber(ev.Protocol))
	t.RawSetString("session_id", lua.LNumber(ev.SessionID))
	t.RawSetString("timestamp_ms", lua.LNumber(ev.Context.TimestampMs))
	t.RawSetString("remote_ip", lua.LString(ev.Context.RemoteIP))
	t.RawSetString("remote_port", lua.LNumber(ev.Context.RemotePort))
	t.RawSetString("payload", lua.LString(ev.Payload))
	return t
}

func (vm *VM) luaSendTcp(l *lua.LState) int {
	sessionID := uint64(l.CheckInt64(1))
	payload := l.CheckString(2)
	vm.Log.Infof("lua requested tcp send session_id=%d size=%d", sessionID, len(payload))
	task := event.GenericTask{Kind: event.KindTcp, Protocol: event.Tcp, SessionID: sessionID, Payload: []byte(payload)}
	if !vm.ToTcpIO.Push(task) {
		vm.Log.Warnf("worker %d: to-io queue full, dropping tcp send for session %d", vm.WorkerIndex, sessionID)
	}
	return 0
}

func (vm *VM) luaSendUdp(l *lua.LState) int {
	sessionID := uint64(l.CheckInt64(1))
	payload := l.CheckString(2)
	vm.Log.Infof("lua requested udp send session_id=%d size=%d", sessionID, len(payload))
	task := event.GenericTask{Kind: event.KindUdp, Protocol: event.Udp, SessionID: sessionID, Payload: []byte(payload)}
	if !vm.ToUdpIO.Push(task) {
		vm.Log.Warnf("worker %d: to-io queue full, dropping udp send for session %d", vm.WorkerIndex, sessionID)
	}
	return 0
}

func (vm *VM) luaPostDiskTask(l *lua.LState) int {
	description := l.CheckString(1)
	vm.Log.Infof("lua requested disk task description=%s size=%d", description, len(description))
	task := event.GenericTask{Kind: event.KindDisk, Protocol: event.Unknown, SessionID: 0, Payload: []byte(description)}
	if !vm.ToDisk.Push(task) {
		vm.Log.Warnf("worker %d: to-disk queue full, dropping disk task", vm.WorkerIndex)
	}
	return 0
}

// luaCallExternalService emits KindExternalCall rather than collapsing
// into the disk path, per SPEC_FULL.md §3/§4.H — the one deliberate
// divergence from lua_vm.cpp, now that the dispatcher (component H) exists
// to actually act on it.
func (vm *VM) luaCallExternalService(l *lua.LState) int {
	description := l.CheckString(1)
	vm.Log.Infof("lua requested external service description=%s size=%d", description, len(description))
	task := event.GenericTask{Kind: event.KindExternalCall, Protocol: event.Unknown, SessionID: 0, Payload: []byte(description)}
	if !vm.ToDisk.Push(task) {
		vm.Log.Warnf("worker %d: to-disk queue full, dropping external call", vm.WorkerIndex)
	}
	return 0
}

func (vm *VM) luaLog(l *lua.LState) int {
	level := event.ParseLogLevel(l.CheckString(1))
	message := l.CheckString(2)
	task := event.LogTask{Level: level, Message: message}
	if !vm.ToLog.Push(task) {
		vm.Log.Warnf("worker %d: log queue full, dropping log task", vm.WorkerIndex)
	}
	return 0
}

// luaPersistState writes state/{name}.bin synchronously (Write, not
// Append), per spec.md §4.F step 2's persist_state contract. Synchronous
// rather than routed through the disk executor because the original
// specifies it as a durable call the script can rely on completing before
// the handler returns.
func (vm *VM) luaPersistState(l *lua.LState) int {
	name := l.CheckString(1)
	data := l.CheckString(2)
	path := filepath.Join("state", name+".bin")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		vm.Log.Errorf("persist_state: failed to create state directory: %v", err)
		return 0
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		vm.Log.Errorf("persist_state: failed to write %s: %v", path, err)
	}
	return 0
}

// RestoreState calls restore_state(name, data) if the script defines it,
// per spec.md §4.F step 4. Called once per file found under state/ at
// startup, after every VM is initialized.
func (vm *VM) RestoreState(name string, data []byte) {
	if vm.state == nil {
		return
	}
	fn := vm.state.GetGlobal("restore_state")
	if fn.Type() != lua.LTFunction {
		return
	}
	vm.state.Push(fn)
	vm.state.Push(lua.LString(name))
	vm.state.Push(lua.LString(data))
	if err := vm.state.PCall(2, 0, nil); err != nil {
		vm.Log.Errorf("lua restore_state error: %v", err)
	}
}

// ScanAndRestoreState walks dir (normally "state/") and delivers each
// file's content to RestoreState, named by its filename stem.
func ScanAndRestoreState(vm *VM, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan state directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			vm.Log.Warnf("failed to read state file %s: %v", entry.Name(), err)
			continue
		}
		name := entry.Name()
		if ext := filepath.Ext(name); ext != "" {
			name = name[:len(name)-len(ext)]
		}
		vm.RestoreState(name, data)
	}
	return nil
}
