package tooltree

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
)

type stmtKind int

const (
	stmtOther stmtKind = iota
	stmtDecorator
	stmtDef
)

type statement struct {
	start int
	kind  stmtKind
	tok   int
}

// ScanModule splits python source into the module preamble (imports and any
// other top-level statement) and its top-level function definitions.
// Definitions nested in classes or functions are not tools.
func ScanModule(src []byte) (string, []Function, error) {
	lexer := lexers.Get("python")
	if lexer == nil {
		return "", nil, fmt.Errorf("python lexer is not registered")
	}
	normalized := strings.ReplaceAll(string(src), "\r\n", "\n")
	it, err := lexer.Tokenise(nil, normalized)
	if err != nil {
		return "", nil, fmt.Errorf("failed to tokenise module: %w", err)
	}
	tokens := it.Tokens()

	// Offsets index the concatenated token text, which may carry a trailing
	// newline the lexer appended.
	var text strings.Builder
	var stmts []statement
	decoratorStart := -1
	for i, tok := range tokens {
		offset := text.Len()
		atLineStart := offset == 0 || strings.HasSuffix(text.String(), "\n")
		text.WriteString(tok.Value)

		// String continuation lines can start at column zero.
		if !atLineStart || strings.TrimSpace(tok.Value) == "" ||
			tok.Type.InCategory(chroma.Comment) || tok.Type.InCategory(chroma.Literal) {
			continue
		}
		switch {
		case tok.Type == chroma.NameDecorator || (tok.Type.InCategory(chroma.Operator) && tok.Value == "@"):
			if decoratorStart < 0 {
				decoratorStart = offset
			}
		case tok.Type.InCategory(chroma.Keyword) && (tok.Value == "def" || tok.Value == "async"):
			start := offset
			if decoratorStart >= 0 {
				start = decoratorStart
				decoratorStart = -1
			}
			stmts = append(stmts, statement{start: start, kind: stmtDef, tok: i})
		default:
			start := offset
			if decoratorStart >= 0 {
				start = decoratorStart
				decoratorStart = -1
			}
			stmts = append(stmts, statement{start: start, kind: stmtOther, tok: i})
		}
	}
	full := text.String()

	var preamble strings.Builder
	if len(stmts) == 0 {
		preamble.WriteString(full)
	} else {
		preamble.WriteString(full[:stmts[0].start])
	}
	var funcs []Function
	index := map[string]int{}
	for i, st := range stmts {
		end := len(full)
		if i+1 < len(stmts) {
			end = stmts[i+1].start
		}
		block := full[st.start:end]
		if st.kind != stmtDef {
			preamble.WriteString(block)
			continue
		}
		name, signature := definitionHeader(tokens[st.tok:])
		if name == "" {
			preamble.WriteString(block)
			continue
		}
		fn := Function{
			Name:      name,
			Signature: signature,
			Source:    strings.TrimRight(block, " \t\n") + "\n",
		}
		// A later definition rebinds the name.
		if at, ok := index[name]; ok {
			funcs[at] = fn
			continue
		}
		index[name] = len(funcs)
		funcs = append(funcs, fn)
	}

	pre := strings.TrimRight(preamble.String(), " \t\n")
	if pre != "" {
		pre += "\n"
	}
	return pre, funcs, nil
}

// definitionHeader reads the function name and signature starting at the
// def (or async) keyword, stopping at the colon that opens the body.
func definitionHeader(tokens []chroma.Token) (string, string) {
	var name string
	var sig strings.Builder
	depth := 0
	seenDef := false
	for _, tok := range tokens {
		if !seenDef {
			if tok.Value == "def" {
				seenDef = true
			}
			continue
		}
		if name == "" {
			if tok.Type == chroma.NameFunction || tok.Type == chroma.NameFunctionMagic {
				name = tok.Value
				sig.WriteString(tok.Value)
			} else if strings.TrimSpace(tok.Value) != "" {
				return "", ""
			}
			continue
		}
		if !tok.Type.InCategory(chroma.Punctuation) && !tok.Type.InCategory(chroma.Operator) {
			sig.WriteString(tok.Value)
			continue
		}
		for i, r := range tok.Value {
			switch r {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				depth--
			case ':':
				if depth == 0 {
					sig.WriteString(tok.Value[:i])
					return name, strings.Join(strings.Fields(sig.String()), " ")
				}
			}
		}
		sig.WriteString(tok.Value)
	}
	return name, strings.Join(strings.Fields(sig.String()), " ")
}
