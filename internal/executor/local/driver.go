package local

// driverSource is the interpreter loop every engine runs. It keeps one
// namespace alive for the lifetime of the process, reads JSON requests line
// by line on stdin, and reports execution as JSON event lines on the real
// stdout. User print() output is redirected into stream events, so the
// event channel is the only thing ever written to stdout.
//
// A trailing expression statement is evaluated separately and reported as a
// result event, the way a REPL echoes the last expression. SIGINT raises
// KeyboardInterrupt inside the exec and is reported as an ordinary error
// event, leaving the namespace intact.
const driverSource = `
import ast
import io
import json
import sys
import traceback

_out = sys.stdout


def _emit(ev):
    _out.write(json.dumps(ev) + "\n")
    _out.flush()


class _Capture(io.TextIOBase):
    def writable(self):
        return True

    def write(self, text):
        if text:
            _emit({"type": "stream", "text": text})
        return len(text)


sys.stdout = _Capture()
sys.stderr = _Capture()

_ns = {"__name__": "__main__"}

_emit({"type": "ready"})

for _line in sys.stdin:
    _line = _line.strip()
    if not _line:
        continue
    try:
        _req = json.loads(_line)
    except ValueError:
        continue
    _ok = True
    try:
        _tree = ast.parse(_req.get("code", ""), "<session>", "exec")
        _tail = None
        if _tree.body and isinstance(_tree.body[-1], ast.Expr):
            _tail = ast.Expression(_tree.body.pop().value)
        if _tree.body:
            exec(compile(_tree, "<session>", "exec"), _ns)
        if _tail is not None:
            _value = eval(compile(_tail, "<session>", "eval"), _ns)
            if _value is not None:
                _emit({"type": "result", "text": repr(_value)})
    except BaseException:
        _ok = False
        _emit({"type": "error", "text": traceback.format_exc()})
    _emit({"type": "done", "ok": _ok})
`

// DriverSource exposes the driver for engines that run it elsewhere (the
// docker engine ships the same loop into its container).
func DriverSource() string {
	return driverSource
}
