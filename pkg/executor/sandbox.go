package executor

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// dangerousGlobals are host hooks a script must never reach
var dangerousGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

var frozenBuiltins = []string{
	"Object",
	"Array",
	"Function",
	"String",
	"Number",
	"Boolean",
	"Date",
	"RegExp",
	"Error",
	"Math",
	"JSON",
}

// sandbox restricts a fresh runtime before any user code runs
type sandbox struct {
	allowEval     bool
	maxStackDepth int
}

func (s sandbox) apply(vm *goja.Runtime) error {
	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if !s.allowEval {
		err := vm.Set("eval", func(call goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed"))
		})
		if err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	if s.maxStackDepth > 0 {
		vm.SetMaxCallStackSize(s.maxStackDepth)
	}

	return s.freezeBuiltins(vm)
}

func (s sandbox) freezeBuiltins(vm *goja.Runtime) error {
	val, err := vm.RunString(`(function(obj) {
		if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
			Object.freeze(obj);
			if (obj.prototype) {
				Object.freeze(obj.prototype);
			}
		}
	})`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freeze, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	for _, name := range frozenBuiltins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freeze(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
	}
	return nil
}

// registerConsole routes console output to the processor log
func registerConsole(vm *goja.Runtime, logger *zap.Logger) error {
	console := vm.NewObject()
	logAt := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			level("script console", zap.String("message", strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}

	for name, fn := range map[string]func(string, ...zap.Field){
		"log":   logger.Info,
		"info":  logger.Info,
		"debug": logger.Debug,
		"warn":  logger.Warn,
		"error": logger.Error,
	} {
		if err := console.Set(name, logAt(fn)); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// registerEncoding provides btoa and atob
func registerEncoding(vm *goja.Runtime) error {
	err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("btoa requires an argument"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	})
	if err != nil {
		return err
	}
	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("atob requires an argument"))
		}
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob: %w", err)))
		}
		return vm.ToValue(string(decoded))
	})
}

// registerText exposes locale-aware case helpers on a text object. Casers are
// stateful, so each runtime gets its own.
func registerText(vm *goja.Runtime) error {
	text := vm.NewObject()
	helpers := map[string]cases.Caser{
		"title": cases.Title(language.Und),
		"upper": cases.Upper(language.Und),
		"lower": cases.Lower(language.Und),
	}
	for name, caser := range helpers {
		caser := caser
		err := text.Set(name, func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(caser.String(call.Argument(0).String()))
		})
		if err != nil {
			return err
		}
	}
	return vm.Set("text", text)
}
