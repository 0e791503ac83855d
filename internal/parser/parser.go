// Package parser is a recursive-descent parser producing internal/ast
// trees from a internal/lexer token stream. It plays the external
// collaborator role of spec §4.2 component C7: the compiler never
// imports this package or the lexer, only the tree this package hands
// it, following the match/check/consume/advance shape of the example
// corpus's hand-written parser.
package parser

import (
	"strconv"
	"strings"

	"github.com/CppCXY/lua-rs-sub000/internal/ast"
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/lexer"
)

type Parser struct {
	tokens  []lexer.Token
	current int
	chunk   string
}

func Parse(chunkName, source string) (*ast.Block, error) {
	toks, err := lexer.NewScanner(chunkName, source).ScanTokens()
	if err != nil {
		return nil, err
	}
	p := &Parser{tokens: toks, chunk: chunkName}
	block, err := p.parseChunk()
	if err != nil {
		return nil, err
	}
	return block, nil
}

func (p *Parser) parseChunk() (blk *ast.Block, err error) {
	defer func() {
		if r := recover(); r != nil {
			if pe, ok := r.(parseError); ok {
				err = pe.err
				return
			}
			panic(r)
		}
	}()
	b := p.block()
	p.expect(lexer.TokenEOF, "<eof>")
	return b, nil
}

// parseError lets deeply nested recursive-descent rules abort to the
// top without threading an error return through every call; parseChunk
// recovers it at the boundary.
type parseError struct{ err error }

func (p *Parser) fail(format string, args ...interface{}) {
	loc := errors.SourceLocation{File: p.chunk, Line: p.peek().Line}
	panic(parseError{errors.New(errors.CompileError, loc, format, args...)})
}

// ---- token cursor --------------------------------------------------------

func (p *Parser) peek() lexer.Token  { return p.tokens[p.current] }
func (p *Parser) previous() lexer.Token { return p.tokens[p.current-1] }
func (p *Parser) isAtEnd() bool      { return p.peek().Type == lexer.TokenEOF }

func (p *Parser) advance() lexer.Token {
	if !p.isAtEnd() {
		p.current++
	}
	return p.previous()
}

func (p *Parser) check(t lexer.TokenType) bool {
	return !p.isAtEnd() && p.peek().Type == t
}

func (p *Parser) match(types ...lexer.TokenType) bool {
	for _, t := range types {
		if p.check(t) {
			p.advance()
			return true
		}
	}
	return false
}

func (p *Parser) expect(t lexer.TokenType, what string) lexer.Token {
	if p.check(t) {
		return p.advance()
	}
	p.fail("%s expected near %q", what, p.peek().Lexeme)
	panic("unreachable")
}

// ---- blocks & statements --------------------------------------------------

func blockEnds(t lexer.TokenType) bool {
	switch t {
	case lexer.TokenEnd, lexer.TokenElse, lexer.TokenElseif, lexer.TokenUntil, lexer.TokenEOF:
		return true
	}
	return false
}

func (p *Parser) block() *ast.Block {
	b := &ast.Block{}
	for !blockEnds(p.peek().Type) {
		if p.check(lexer.TokenReturn) {
			b.Stmts = append(b.Stmts, p.returnStmt())
			break
		}
		if st := p.statement(); st != nil {
			b.Stmts = append(b.Stmts, st)
		}
	}
	return b
}

func (p *Parser) statement() ast.Stmt {
	switch p.peek().Type {
	case lexer.TokenSemi:
		p.advance()
		return nil
	case lexer.TokenDColon:
		return p.labelStmt()
	case lexer.TokenBreak:
		line := p.advance().Line
		return &ast.BreakStmt{Line: line}
	case lexer.TokenGoto:
		p.advance()
		name := p.expect(lexer.TokenIdent, "<name>")
		return &ast.GotoStmt{Label: name.Lexeme, Line: name.Line}
	case lexer.TokenDo:
		p.advance()
		body := p.block()
		p.expect(lexer.TokenEnd, "'end'")
		return &ast.DoStmt{Body: body}
	case lexer.TokenWhile:
		return p.whileStmt()
	case lexer.TokenRepeat:
		return p.repeatStmt()
	case lexer.TokenIf:
		return p.ifStmt()
	case lexer.TokenFor:
		return p.forStmt()
	case lexer.TokenFunction:
		return p.functionStmt()
	case lexer.TokenLocal:
		return p.localStmt()
	default:
		return p.exprOrAssignStmt()
	}
}

func (p *Parser) labelStmt() ast.Stmt {
	p.advance()
	name := p.expect(lexer.TokenIdent, "<name>")
	p.expect(lexer.TokenDColon, "'::'")
	return &ast.LabelStmt{Name: name.Lexeme, Line: name.Line}
}

func (p *Parser) returnStmt() ast.Stmt {
	line := p.advance().Line
	var exprs []ast.Expr
	if !blockEnds(p.peek().Type) && !p.check(lexer.TokenSemi) {
		exprs = p.expList()
	}
	p.match(lexer.TokenSemi)
	return &ast.ReturnStmt{Exprs: exprs, Line: line}
}

func (p *Parser) whileStmt() ast.Stmt {
	p.advance()
	cond := p.expr()
	p.expect(lexer.TokenDo, "'do'")
	body := p.block()
	p.expect(lexer.TokenEnd, "'end'")
	return &ast.WhileStmt{Cond: cond, Body: body}
}

func (p *Parser) repeatStmt() ast.Stmt {
	p.advance()
	body := p.block()
	p.expect(lexer.TokenUntil, "'until'")
	cond := p.expr()
	return &ast.RepeatStmt{Body: body, Cond: cond}
}

func (p *Parser) ifStmt() ast.Stmt {
	p.advance()
	st := &ast.IfStmt{}
	cond := p.expr()
	p.expect(lexer.TokenThen, "'then'")
	st.Clauses = append(st.Clauses, ast.IfClause{Cond: cond, Body: p.block()})
	for p.check(lexer.TokenElseif) {
		p.advance()
		c := p.expr()
		p.expect(lexer.TokenThen, "'then'")
		st.Clauses = append(st.Clauses, ast.IfClause{Cond: c, Body: p.block()})
	}
	if p.match(lexer.TokenElse) {
		st.Clauses = append(st.Clauses, ast.IfClause{Cond: nil, Body: p.block()})
	}
	p.expect(lexer.TokenEnd, "'end'")
	return st
}

func (p *Parser) forStmt() ast.Stmt {
	line := p.advance().Line
	name := p.expect(lexer.TokenIdent, "<name>").Lexeme
	if p.check(lexer.TokenAssign) {
		p.advance()
		start := p.expr()
		p.expect(lexer.TokenComma, "','")
		stop := p.expr()
		var step ast.Expr
		if p.match(lexer.TokenComma) {
			step = p.expr()
		}
		p.expect(lexer.TokenDo, "'do'")
		body := p.block()
		p.expect(lexer.TokenEnd, "'end'")
		return &ast.NumericForStmt{Name: name, Start: start, Stop: stop, Step: step, Body: body, Line: line}
	}
	names := []string{name}
	for p.match(lexer.TokenComma) {
		names = append(names, p.expect(lexer.TokenIdent, "<name>").Lexeme)
	}
	p.expect(lexer.TokenIn, "'=' or 'in'")
	exprs := p.expList()
	p.expect(lexer.TokenDo, "'do'")
	body := p.block()
	p.expect(lexer.TokenEnd, "'end'")
	return &ast.GenericForStmt{Names: names, Exprs: exprs, Body: body, Line: line}
}

func (p *Parser) functionStmt() ast.Stmt {
	line := p.advance().Line
	nameTok := p.expect(lexer.TokenIdent, "<name>")
	var target ast.Expr = &ast.NameExpr{Name: nameTok.Lexeme, Line: nameTok.Line}
	isMethod := false
	for p.check(lexer.TokenDot) || p.check(lexer.TokenColon) {
		isColon := p.peek().Type == lexer.TokenColon
		p.advance()
		field := p.expect(lexer.TokenIdent, "<name>")
		target = &ast.FieldExpr{Object: target, Field: field.Lexeme, Line: field.Line}
		if isColon {
			isMethod = true
			break
		}
	}
	fn := p.functionBody(isMethod, describeTarget(target))
	fn.Line = line
	return &ast.FunctionDeclStmt{Target: target, IsMethod: isMethod, Fn: fn, Line: line}
}

func describeTarget(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.NameExpr:
		return t.Name
	case *ast.FieldExpr:
		return describeTarget(t.Object) + "." + t.Field
	}
	return "?"
}

func (p *Parser) localStmt() ast.Stmt {
	line := p.advance().Line
	if p.match(lexer.TokenFunction) {
		name := p.expect(lexer.TokenIdent, "<name>")
		fn := p.functionBody(false, name.Lexeme)
		fn.Line = line
		return &ast.FunctionDeclStmt{Target: &ast.NameExpr{Name: name.Lexeme, Line: name.Line}, IsLocal: true, Fn: fn, Line: line}
	}
	st := &ast.LocalStmt{Line: line}
	for {
		name := p.expect(lexer.TokenIdent, "<name>")
		st.Names = append(st.Names, name.Lexeme)
		attrib := ""
		if p.match(lexer.TokenLt) {
			attrib = p.expect(lexer.TokenIdent, "<attribute>").Lexeme
			p.expect(lexer.TokenGt, "'>'")
		}
		st.Attribs = append(st.Attribs, attrib)
		if !p.match(lexer.TokenComma) {
			break
		}
	}
	if p.match(lexer.TokenAssign) {
		st.Exprs = p.expList()
	}
	return st
}

// exprOrAssignStmt parses either a bare call statement or an
// assignment, disambiguated the way Lua's reference grammar does: a
// "suffixed expression" that is a call is a statement by itself,
// anything else must be followed by `=`.
func (p *Parser) exprOrAssignStmt() ast.Stmt {
	line := p.peek().Line
	first := p.suffixedExpr()
	if call, ok := first.(*ast.CallExpr); ok && !p.check(lexer.TokenAssign) && !p.check(lexer.TokenComma) {
		return &ast.ExprStmt{Call: call, Line: line}
	}
	targets := []ast.Expr{first}
	for p.match(lexer.TokenComma) {
		targets = append(targets, p.suffixedExpr())
	}
	p.expect(lexer.TokenAssign, "'='")
	exprs := p.expList()
	return &ast.AssignStmt{Targets: targets, Exprs: exprs, Line: line}
}

// ---- function bodies & parameter lists -----------------------------------

func (p *Parser) functionBody(isMethod bool, name string) *ast.FunctionExpr {
	line := p.peek().Line
	p.expect(lexer.TokenLParen, "'('")
	fn := &ast.FunctionExpr{Line: line, Name: name}
	if isMethod {
		fn.Params = append(fn.Params, "self")
	}
	if !p.check(lexer.TokenRParen) {
		for {
			if p.match(lexer.TokenEllipsis) {
				fn.IsVararg = true
				break
			}
			fn.Params = append(fn.Params, p.expect(lexer.TokenIdent, "<name>").Lexeme)
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.expect(lexer.TokenRParen, "')'")
	fn.Body = p.block()
	p.expect(lexer.TokenEnd, "'end'")
	return fn
}

// ---- expression lists ------------------------------------------------------

func (p *Parser) expList() []ast.Expr {
	exprs := []ast.Expr{p.expr()}
	for p.match(lexer.TokenComma) {
		exprs = append(exprs, p.expr())
	}
	return exprs
}

// ---- expressions: precedence-climbing over Lua's fixed table --------------

type binLevel struct {
	left, right int
}

var binPrec = map[lexer.TokenType]binLevel{
	lexer.TokenOr:      {1, 1},
	lexer.TokenAnd:     {2, 2},
	lexer.TokenLt:      {3, 3}, lexer.TokenGt: {3, 3}, lexer.TokenLe: {3, 3},
	lexer.TokenGe:      {3, 3}, lexer.TokenNe: {3, 3}, lexer.TokenEq: {3, 3},
	lexer.TokenPipe:    {4, 4},
	lexer.TokenTilde:   {5, 5},
	lexer.TokenAmp:     {6, 6},
	lexer.TokenShl:     {7, 7}, lexer.TokenShr: {7, 7},
	lexer.TokenConcat:  {9, 8}, // right-assoc
	lexer.TokenPlus:    {10, 10}, lexer.TokenMinus: {10, 10},
	lexer.TokenStar:    {11, 11}, lexer.TokenSlash: {11, 11},
	lexer.TokenDSlash:  {11, 11}, lexer.TokenPercent: {11, 11},
	lexer.TokenCaret:   {14, 13}, // right-assoc, binds tighter than unary
}

const unaryPrec = 12

var binOps = map[lexer.TokenType]ast.BinOp{
	lexer.TokenOr: ast.OpOr, lexer.TokenAnd: ast.OpAnd,
	lexer.TokenLt: ast.OpLt, lexer.TokenGt: ast.OpGt, lexer.TokenLe: ast.OpLe,
	lexer.TokenGe: ast.OpGe, lexer.TokenNe: ast.OpNe, lexer.TokenEq: ast.OpEq,
	lexer.TokenPipe: ast.OpBOr, lexer.TokenTilde: ast.OpBXor, lexer.TokenAmp: ast.OpBAnd,
	lexer.TokenShl: ast.OpShl, lexer.TokenShr: ast.OpShr, lexer.TokenConcat: ast.OpConcat,
	lexer.TokenPlus: ast.OpAdd, lexer.TokenMinus: ast.OpSub,
	lexer.TokenStar: ast.OpMul, lexer.TokenSlash: ast.OpDiv,
	lexer.TokenDSlash: ast.OpIDiv, lexer.TokenPercent: ast.OpMod,
	lexer.TokenCaret: ast.OpPow,
}

func (p *Parser) expr() ast.Expr { return p.subExpr(0) }

func (p *Parser) subExpr(limit int) ast.Expr {
	var left ast.Expr
	if tt := p.peek().Type; tt == lexer.TokenNot || tt == lexer.TokenMinus || tt == lexer.TokenHash || tt == lexer.TokenTilde {
		tok := p.advance()
		operand := p.subExpr(unaryPrec)
		left = &ast.UnaryExpr{Op: unaryOp(tok.Type), Operand: operand, Line: tok.Line}
	} else {
		left = p.simpleExpr()
	}
	for {
		lvl, ok := binPrec[p.peek().Type]
		if !ok || lvl.left <= limit {
			break
		}
		tok := p.advance()
		right := p.subExpr(lvl.right)
		left = &ast.BinaryExpr{Op: binOps[tok.Type], Left: left, Right: right, Line: tok.Line}
	}
	return left
}

func unaryOp(t lexer.TokenType) ast.UnOp {
	switch t {
	case lexer.TokenNot:
		return ast.OpNot
	case lexer.TokenHash:
		return ast.OpLen
	case lexer.TokenTilde:
		return ast.OpBNot
	default:
		return ast.OpNeg
	}
}

func (p *Parser) simpleExpr() ast.Expr {
	tok := p.peek()
	switch tok.Type {
	case lexer.TokenNil:
		p.advance()
		return &ast.NilExpr{}
	case lexer.TokenTrue:
		p.advance()
		return &ast.TrueExpr{}
	case lexer.TokenFalse:
		p.advance()
		return &ast.FalseExpr{}
	case lexer.TokenEllipsis:
		p.advance()
		return &ast.VarargExpr{Line: tok.Line}
	case lexer.TokenInt:
		p.advance()
		return parseIntLiteral(tok.Lexeme)
	case lexer.TokenFloat:
		p.advance()
		f, _ := strconv.ParseFloat(strings.ReplaceAll(tok.Lexeme, "p", "e"), 64)
		return &ast.FloatExpr{Value: f}
	case lexer.TokenString:
		p.advance()
		return &ast.StringExpr{Value: tok.Lexeme}
	case lexer.TokenFunction:
		p.advance()
		return p.functionBody(false, "")
	case lexer.TokenLBrace:
		return p.tableExpr()
	default:
		return p.suffixedExpr()
	}
}

func parseIntLiteral(lex string) ast.Expr {
	if strings.HasPrefix(lex, "0x") || strings.HasPrefix(lex, "0X") {
		n, err := strconv.ParseUint(lex[2:], 16, 64)
		if err == nil {
			return &ast.IntExpr{Value: int64(n)}
		}
	}
	n, err := strconv.ParseInt(lex, 10, 64)
	if err == nil {
		return &ast.IntExpr{Value: n}
	}
	f, _ := strconv.ParseFloat(lex, 64)
	return &ast.FloatExpr{Value: f}
}

// primaryExpr parses a parenthesised expression or a bare name, the
// start of a "suffixed expression" chain of indexing/call operators.
func (p *Parser) primaryExpr() ast.Expr {
	tok := p.peek()
	switch tok.Type {
	case lexer.TokenLParen:
		p.advance()
		e := p.expr()
		p.expect(lexer.TokenRParen, "')'")
		return &ast.ParenExpr{Inner: e}
	case lexer.TokenIdent:
		p.advance()
		return &ast.NameExpr{Name: tok.Lexeme, Line: tok.Line}
	default:
		p.fail("unexpected symbol near %q", tok.Lexeme)
		panic("unreachable")
	}
}

// suffixedExpr parses a primary expression followed by any chain of
// `.field`, `[key]`, `:method(args)`, and `(args)` suffixes.
func (p *Parser) suffixedExpr() ast.Expr {
	e := p.primaryExpr()
	for {
		switch p.peek().Type {
		case lexer.TokenDot:
			p.advance()
			f := p.expect(lexer.TokenIdent, "<name>")
			e = &ast.FieldExpr{Object: e, Field: f.Lexeme, Line: f.Line}
		case lexer.TokenLBracket:
			p.advance()
			k := p.expr()
			br := p.expect(lexer.TokenRBracket, "']'")
			e = &ast.IndexExpr{Object: e, Key: k, Line: br.Line}
		case lexer.TokenColon:
			p.advance()
			m := p.expect(lexer.TokenIdent, "<name>")
			args, line := p.callArgs()
			e = &ast.CallExpr{Callee: e, Args: args, Method: m.Lexeme, Line: line}
		case lexer.TokenLParen, lexer.TokenString, lexer.TokenLBrace:
			args, line := p.callArgs()
			e = &ast.CallExpr{Callee: e, Args: args, Line: line}
		default:
			return e
		}
	}
}

// callArgs parses `(explist)`, a single string literal, or a single
// table constructor — all three are valid Lua call-argument forms.
func (p *Parser) callArgs() ([]ast.Expr, int) {
	tok := p.peek()
	switch tok.Type {
	case lexer.TokenString:
		p.advance()
		return []ast.Expr{&ast.StringExpr{Value: tok.Lexeme}}, tok.Line
	case lexer.TokenLBrace:
		return []ast.Expr{p.tableExpr()}, tok.Line
	case lexer.TokenLParen:
		p.advance()
		var args []ast.Expr
		if !p.check(lexer.TokenRParen) {
			args = p.expList()
		}
		p.expect(lexer.TokenRParen, "')'")
		return args, tok.Line
	default:
		p.fail("function arguments expected")
		panic("unreachable")
	}
}

func (p *Parser) tableExpr() ast.Expr {
	line := p.expect(lexer.TokenLBrace, "'{'").Line
	t := &ast.TableExpr{Line: line}
	for !p.check(lexer.TokenRBrace) {
		switch {
		case p.check(lexer.TokenLBracket):
			p.advance()
			k := p.expr()
			p.expect(lexer.TokenRBracket, "']'")
			p.expect(lexer.TokenAssign, "'='")
			v := p.expr()
			t.Fields = append(t.Fields, ast.TableField{Key: k, Value: v})
		case p.check(lexer.TokenIdent) && p.tokens[p.current+1].Type == lexer.TokenAssign:
			name := p.advance()
			p.advance() // '='
			v := p.expr()
			t.Fields = append(t.Fields, ast.TableField{Key: &ast.StringExpr{Value: name.Lexeme}, Value: v})
		default:
			t.Fields = append(t.Fields, ast.TableField{Value: p.expr()})
		}
		if !p.match(lexer.TokenComma) && !p.match(lexer.TokenSemi) {
			break
		}
	}
	p.expect(lexer.TokenRBrace, "'}'")
	return t
}
