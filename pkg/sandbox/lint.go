package sandbox

import (
	stderrors "errors"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

// Lint rule names
const (
	RuleSyntax              = "syntax"
	RuleModuleSyntax        = "module-syntax"
	RuleEval                = "eval"
	RuleFunctionConstructor = "function-constructor"
	RuleTimers              = "timers"
	RuleProcess             = "process"
	RuleRequire             = "require"
	RuleProto               = "proto"
	RulePrototypeTampering  = "prototype-tampering"
	RuleGlobalAccess        = "global-access"
)

var lintMessages = map[string]string{
	RuleModuleSyntax:        "import/export is not supported",
	RuleEval:                "eval is not available in the sandbox",
	RuleFunctionConstructor: "dynamic Function construction is not allowed",
	RuleTimers:              "timers are not available in the sandbox",
	RuleProcess:             "process APIs are not available in the sandbox",
	RuleRequire:             "module loading is not available in the sandbox",
	RuleProto:               "__proto__ access is not allowed",
	RulePrototypeTampering:  "modifying prototypes is not allowed",
	RuleGlobalAccess:        "global object access is not available",
}

var (
	timerFuncs    = map[string]bool{"setTimeout": true, "setInterval": true, "setImmediate": true, "clearTimeout": true, "clearInterval": true}
	globalObjects = map[string]bool{"globalThis": true, "window": true, "global": true, "self": true}
)

// LintWarning is one advisory finding
type LintWarning struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Line    int    `json:"line"`
}

// LintResult is the outcome of a static scan. Safe is true when there are no warnings.
type LintResult struct {
	Safe     bool          `json:"safe"`
	Warnings []LintWarning `json:"warnings,omitempty"`
}

// Parsed reports whether the source parsed; when it did not, the only
// warning describes the syntax error
func (r LintResult) Parsed() bool {
	return len(r.Warnings) != 1 ||
		(r.Warnings[0].Rule != RuleSyntax && r.Warnings[0].Rule != RuleModuleSyntax)
}

const maxCachedLints = 256

var (
	lintMu    sync.Mutex
	lintCache = make(map[string]LintResult)
)

// Lint scans source for constructs the sandbox does not support. The source
// is parsed the way Run wraps it, so top-level return and await are
// accepted and comments and string contents are never flagged.
// Findings are advisory: the restricted runtime enforces the actual limits.
func Lint(source string) LintResult {
	lintMu.Lock()
	res, ok := lintCache[source]
	lintMu.Unlock()
	if ok {
		return res
	}

	res = lint(source)

	lintMu.Lock()
	if len(lintCache) >= maxCachedLints {
		lintCache = make(map[string]LintResult)
	}
	lintCache[source] = res
	lintMu.Unlock()
	return res
}

func lint(source string) LintResult {
	prog, err := parser.ParseFile(nil, scriptName, wrap(source, nil, true), 0, parser.WithDisableSourceMaps)
	if err != nil {
		return LintResult{Warnings: []LintWarning{syntaxWarning(source, err)}}
	}

	l := &linter{file: prog.File}
	for _, stmt := range prog.Body {
		l.walk(stmt)
	}

	sort.SliceStable(l.warnings, func(i, j int) bool {
		return l.warnings[i].Line < l.warnings[j].Line
	})
	return LintResult{
		Safe:     len(l.warnings) == 0,
		Warnings: l.warnings,
	}
}

func syntaxWarning(source string, err error) LintWarning {
	w := LintWarning{Rule: RuleSyntax, Message: err.Error(), Line: 1}

	var list parser.ErrorList
	if !stderrors.As(err, &list) || len(list) == 0 {
		return w
	}
	pos := list[0].Position
	w.Message = list[0].Message

	lines := strings.Split(source, "\n")
	line := pos.Line - wrapperLines
	switch {
	case line < 1:
		line = 1
	case line > len(lines):
		line = len(lines)
	}
	w.Line = line

	text := lines[line-1]
	if col := pos.Column - 1; col >= 0 && col < len(text) {
		rest := text[col:]
		if strings.HasPrefix(rest, "import") || strings.HasPrefix(rest, "export") {
			w.Rule = RuleModuleSyntax
			w.Message = lintMessages[RuleModuleSyntax]
		}
	}
	return w
}

type linter struct {
	file     *file.File
	warnings []LintWarning
}

func (l *linter) report(rule string, at ast.Node) {
	pos := l.file.Position(int(at.Idx0()) - l.file.Base())
	line := pos.Line - wrapperLines
	if line < 1 {
		line = 1
	}
	l.warnings = append(l.warnings, LintWarning{Rule: rule, Message: lintMessages[rule], Line: line})
}

// check applies the rules to a single node; walk handles the children
func (l *linter) check(n ast.Node) {
	switch n := n.(type) {
	case *ast.CallExpression:
		l.checkCall(n, n.Callee)
	case *ast.NewExpression:
		if isIdent(n.Callee, "Function") {
			l.report(RuleFunctionConstructor, n)
		}
	case *ast.DotExpression:
		name := string(n.Identifier.Name)
		if name == "__proto__" {
			l.report(RuleProto, n)
		}
		l.checkMemberBase(n, n.Left)
	case *ast.BracketExpression:
		if isString(n.Member, "__proto__") {
			l.report(RuleProto, n)
		}
		l.checkMemberBase(n, n.Left)
	case *ast.PropertyKeyed:
		if !n.Computed && (isString(n.Key, "__proto__") || isIdent(n.Key, "__proto__")) {
			l.report(RuleProto, n)
		}
	case *ast.AssignExpression:
		if touchesPrototype(n.Left) {
			l.report(RulePrototypeTampering, n)
		}
	}
}

func (l *linter) checkCall(n ast.Node, callee ast.Expression) {
	switch c := callee.(type) {
	case *ast.Identifier:
		name := string(c.Name)
		switch {
		case name == "eval":
			l.report(RuleEval, n)
		case name == "Function":
			l.report(RuleFunctionConstructor, n)
		case name == "require":
			l.report(RuleRequire, n)
		case timerFuncs[name]:
			l.report(RuleTimers, n)
		}
	case *ast.DotExpression:
		name := string(c.Identifier.Name)
		if name == "constructor" {
			l.report(RuleFunctionConstructor, n)
		}
		if name == "setPrototypeOf" && (isIdent(c.Left, "Object") || isIdent(c.Left, "Reflect")) {
			l.report(RulePrototypeTampering, n)
		}
	case *ast.BracketExpression:
		if isString(c.Member, "constructor") {
			l.report(RuleFunctionConstructor, n)
		}
	}
}

func (l *linter) checkMemberBase(n ast.Node, base ast.Expression) {
	id, ok := base.(*ast.Identifier)
	if !ok {
		return
	}
	name := string(id.Name)
	switch {
	case name == "process":
		l.report(RuleProcess, n)
	case globalObjects[name]:
		l.report(RuleGlobalAccess, n)
	}
}

// touchesPrototype reports whether an assignment target writes to a
// prototype object or one of its members
func touchesPrototype(target ast.Expression) bool {
	for depth := 0; depth < 2 && target != nil; depth++ {
		switch t := target.(type) {
		case *ast.DotExpression:
			if t.Identifier.Name == "prototype" {
				return true
			}
			target = t.Left
		case *ast.BracketExpression:
			if isString(t.Member, "prototype") {
				return true
			}
			target = t.Left
		default:
			return false
		}
	}
	return false
}

func isIdent(e ast.Expression, name string) bool {
	id, ok := e.(*ast.Identifier)
	return ok && string(id.Name) == name
}

func isString(e ast.Expression, value string) bool {
	s, ok := e.(*ast.StringLiteral)
	return ok && string(s.Value) == value
}

// walk visits n and every node below it
func (l *linter) walk(n ast.Node) {
	if isNil(n) {
		return
	}
	l.check(n)

	switch n := n.(type) {
	// statements
	case *ast.BlockStatement:
		l.walkStatements(n.List)
	case *ast.ExpressionStatement:
		l.walk(n.Expression)
	case *ast.ReturnStatement:
		l.walk(n.Argument)
	case *ast.ThrowStatement:
		l.walk(n.Argument)
	case *ast.IfStatement:
		l.walk(n.Test)
		l.walk(n.Consequent)
		l.walk(n.Alternate)
	case *ast.ForStatement:
		l.walk(n.Initializer)
		l.walk(n.Test)
		l.walk(n.Update)
		l.walk(n.Body)
	case *ast.ForInStatement:
		l.walk(n.Into)
		l.walk(n.Source)
		l.walk(n.Body)
	case *ast.ForOfStatement:
		l.walk(n.Into)
		l.walk(n.Source)
		l.walk(n.Body)
	case *ast.WhileStatement:
		l.walk(n.Test)
		l.walk(n.Body)
	case *ast.DoWhileStatement:
		l.walk(n.Body)
		l.walk(n.Test)
	case *ast.LabelledStatement:
		l.walk(n.Statement)
	case *ast.SwitchStatement:
		l.walk(n.Discriminant)
		for _, c := range n.Body {
			l.walk(c)
		}
	case *ast.CaseStatement:
		l.walk(n.Test)
		l.walkStatements(n.Consequent)
	case *ast.TryStatement:
		l.walk(n.Body)
		l.walk(n.Catch)
		l.walk(n.Finally)
	case *ast.CatchStatement:
		l.walk(n.Parameter)
		l.walk(n.Body)
	case *ast.VariableStatement:
		l.walkBindings(n.List)
	case *ast.LexicalDeclaration:
		l.walkBindings(n.List)
	case *ast.WithStatement:
		l.walk(n.Object)
		l.walk(n.Body)
	case *ast.FunctionDeclaration:
		l.walk(n.Function)
	case *ast.ClassDeclaration:
		l.walk(n.Class)

	// loop heads
	case *ast.ForLoopInitializerExpression:
		l.walk(n.Expression)
	case *ast.ForLoopInitializerVarDeclList:
		l.walkBindings(n.List)
	case *ast.ForLoopInitializerLexicalDecl:
		l.walkBindings(n.LexicalDeclaration.List)
	case *ast.ForIntoVar:
		l.walk(n.Binding)
	case *ast.ForDeclaration:
		l.walk(n.Target)
	case *ast.ForIntoExpression:
		l.walk(n.Expression)

	// expressions
	case *ast.Binding:
		l.walk(n.Target)
		l.walk(n.Initializer)
	case *ast.AssignExpression:
		l.walk(n.Left)
		l.walk(n.Right)
	case *ast.BinaryExpression:
		l.walk(n.Left)
		l.walk(n.Right)
	case *ast.UnaryExpression:
		l.walk(n.Operand)
	case *ast.ConditionalExpression:
		l.walk(n.Test)
		l.walk(n.Consequent)
		l.walk(n.Alternate)
	case *ast.SequenceExpression:
		l.walkExpressions(n.Sequence)
	case *ast.CallExpression:
		l.walk(n.Callee)
		l.walkExpressions(n.ArgumentList)
	case *ast.NewExpression:
		l.walk(n.Callee)
		l.walkExpressions(n.ArgumentList)
	case *ast.DotExpression:
		l.walk(n.Left)
	case *ast.PrivateDotExpression:
		l.walk(n.Left)
	case *ast.BracketExpression:
		l.walk(n.Left)
		l.walk(n.Member)
	case *ast.OptionalChain:
		l.walk(n.Expression)
	case *ast.Optional:
		l.walk(n.Expression)
	case *ast.ArrayLiteral:
		l.walkExpressions(n.Value)
	case *ast.ArrayPattern:
		l.walkExpressions(n.Elements)
		l.walk(n.Rest)
	case *ast.ObjectLiteral:
		for _, p := range n.Value {
			l.walk(p)
		}
	case *ast.ObjectPattern:
		for _, p := range n.Properties {
			l.walk(p)
		}
		l.walk(n.Rest)
	case *ast.PropertyKeyed:
		if n.Computed {
			l.walk(n.Key)
		}
		l.walk(n.Value)
	case *ast.PropertyShort:
		l.walk(n.Initializer)
	case *ast.SpreadElement:
		l.walk(n.Expression)
	case *ast.TemplateLiteral:
		l.walk(n.Tag)
		l.walkExpressions(n.Expressions)
	case *ast.YieldExpression:
		l.walk(n.Argument)
	case *ast.AwaitExpression:
		l.walk(n.Argument)
	case *ast.FunctionLiteral:
		l.walk(n.ParameterList)
		l.walk(n.Body)
	case *ast.ArrowFunctionLiteral:
		l.walk(n.ParameterList)
		l.walk(n.Body)
	case *ast.ExpressionBody:
		l.walk(n.Expression)
	case *ast.ParameterList:
		l.walkBindings(n.List)
		l.walk(n.Rest)
	case *ast.ClassLiteral:
		l.walk(n.SuperClass)
		for _, el := range n.Body {
			l.walk(el)
		}
	case *ast.FieldDefinition:
		if n.Computed {
			l.walk(n.Key)
		}
		l.walk(n.Initializer)
	case *ast.MethodDefinition:
		if n.Computed {
			l.walk(n.Key)
		}
		l.walk(n.Body)
	case *ast.ClassStaticBlock:
		l.walk(n.Block)
	}
}

func (l *linter) walkStatements(list []ast.Statement) {
	for _, s := range list {
		l.walk(s)
	}
}

func (l *linter) walkExpressions(list []ast.Expression) {
	for _, e := range list {
		l.walk(e)
	}
}

func (l *linter) walkBindings(list []*ast.Binding) {
	for _, b := range list {
		l.walk(b)
	}
}

// isNil catches typed nil pointers stored in node interfaces
func isNil(n ast.Node) bool {
	if n == nil {
		return true
	}
	switch v := n.(type) {
	case *ast.BlockStatement:
		return v == nil
	case *ast.CatchStatement:
		return v == nil
	case *ast.FunctionLiteral:
		return v == nil
	case *ast.ClassLiteral:
		return v == nil
	case *ast.ParameterList:
		return v == nil
	case *ast.Binding:
		return v == nil
	case *ast.CaseStatement:
		return v == nil
	case *ast.Identifier:
		return v == nil
	}
	return false
}
