// The os library: the handful of signatures spec §1 says touch VM
// protocols at all (os.time/os.clock/os.date for timestamps consumed
// by higher-level scripts) — file/process I/O bodies are the
// out-of-scope external collaborator's concern.
package vm

import (
	"time"

	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

var processStart = time.Now()

func openOSLib(v *VM) {
	libVal := v.CreateTable(0, 4)
	lib := v.table(libVal)
	set := func(name string, fn GoFunc) { lib.Set(v.CreateString(name), v.newGoFunction("os."+name, fn)) }

	set("time", osTime)
	set("clock", osClock)
	set("date", osDate)

	v.SetGlobal("os", libVal)
}

func osTime(v *VM, args []value.Value) ([]value.Value, error) {
	return []value.Value{value.Int(time.Now().Unix())}, nil
}

func osClock(v *VM, args []value.Value) ([]value.Value, error) {
	return []value.Value{value.Float(time.Since(processStart).Seconds())}, nil
}

func osDate(v *VM, args []value.Value) ([]value.Value, error) {
	format := "%c"
	if len(args) > 0 && args[0].IsString() {
		format = v.stringContent(args[0])
	}
	t := time.Now()
	_ = format
	return []value.Value{v.CreateString(t.Format(time.ANSIC))}, nil
}
