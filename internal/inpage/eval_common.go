package inpage

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

func buildIIFE(async bool, body string) string {
	prefix := "(function(){\n"
	if async {
		prefix = "(async function(){\n"
	}
	return prefix + `try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeExecutionFailed + `",error_message:String(err && err.message || err)});
}
})()`
}

func wrapJSEvalAsync(body string) string { return buildIIFE(true, body) }

// buildCall wraps fn so its awaited return value comes back inside the
// evaluation envelope. Arguments cross the boundary as JSON.
func buildCall(fn string, args []any) (string, error) {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return "", newError(CodeValidation, "function source is required", nil)
	}
	if args == nil {
		args = []any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", newError(CodeValidation, "arguments are not serializable", err)
	}
	return wrapJSEvalAsync(`var __fn = (` + fn + `);
if (typeof __fn !== "function") throw new Error("not a function");
var __r = await __fn.apply(null, ` + string(argsJSON) + `);
return JSON.stringify({ok:true,data:(__r === undefined ? null : __r)});`), nil
}

func httpStatusText(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("HTTP %d %s", status, text)
	}
	return fmt.Sprintf("HTTP %d", status)
}

// jsFetchFunc calls the host's relative /api root with the page's cookies.
const jsFetchFunc = `async function(path, method, body) {
  var init = {method: method, credentials: "include", headers: {"Accept": "application/json"}};
  if (body) {
    init.body = body;
    init.headers["Content-Type"] = "application/json";
  }
  var resp = await fetch("/api" + path, init);
  var text = await resp.text();
  return {status: resp.status, body: text};
}`
