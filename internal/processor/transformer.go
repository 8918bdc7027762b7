package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"orders-etl/internal/config"
	"orders-etl/internal/models"
)

// ErrEventRejected is returned when the transformer drops an event, either through an operation
// rule or because a JavaScript transform function returned null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// Transformer rewrites or filters change events before reconciliation
type Transformer struct {
	config  *config.ProcessorConfig
	logger  *logrus.Logger
	include map[models.OperationType]bool
	exclude map[models.OperationType]bool
	program *goja.Program // Compiled once, run on a fresh runtime per event
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger) (*Transformer, error) {
	transformer := &Transformer{
		config:  cfg,
		logger:  logger,
		include: make(map[models.OperationType]bool),
		exclude: make(map[models.OperationType]bool),
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		program, err := compileScript(cfg.Script, string(scriptContent))
		if err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		transformer.program = program
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, op := range cfg.IncludeOperations {
		transformer.include[models.OperationType(strings.ToLower(op))] = true
	}
	for _, op := range cfg.ExcludeOperations {
		transformer.exclude[models.OperationType(strings.ToLower(op))] = true
	}

	return transformer, nil
}

// compileScript compiles the script and checks that it yields a transform function
func compileScript(name, src string) (*goja.Program, error) {
	program, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	if _, err := resolveFunction(goja.New(), program); err != nil {
		return nil, err
	}
	return program, nil
}

// resolveFunction runs program on vm and returns the transform function. The script can be
// an anonymous function expression or declare a function named transform.
func resolveFunction(vm *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}

	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, nil
		}
	}

	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform applies the configured script or operation rules to a change event
func (t *Transformer) Transform(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	if t.config == nil || !t.config.Enabled {
		return event, nil
	}

	// Script takes precedence over operation rules
	if t.program != nil {
		return t.transformWithJavaScript(event)
	}

	if len(t.include) > 0 && !t.include[event.OperationType] {
		return nil, ErrEventRejected
	}
	if t.exclude[event.OperationType] {
		return nil, ErrEventRejected
	}
	return event, nil
}

// transformWithJavaScript hands the event to the script as a plain object and decodes the
// returned object back into a change event
func (t *Transformer) transformWithJavaScript(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	// goja.Runtime is not goroutine safe; every call gets its own
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}

	callable, err := resolveFunction(vm, t.program)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("eventJSON", string(eventJSON)); err != nil {
		return nil, fmt.Errorf("failed to set event JSON: %w", err)
	}
	eventObj, err := vm.RunString("JSON.parse(eventJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), eventObj)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	// null or undefined drops the event
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Event rejected by JavaScript transformer: %s %s", event.OperationType, event.DocumentKey.ID)
		return nil, ErrEventRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	var transformed models.ChangeEvent
	if err := json.Unmarshal(resultJSON, &transformed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &transformed, nil
}

// setupConsoleBindings routes console.* calls from scripts to the logger
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range bindings {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}
