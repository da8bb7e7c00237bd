/*
 * hum - Configuration file parser
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package configparser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// Option is one key[=value[,value...]] pair following a policy name on a
// config line.
type Option struct {
	Name     string
	EqualOpt string
	Value    []*string
}

// policyLine is the current line being parsed.
type policyLine struct {
	line string
	pos  int
}

/* Configuration file format:
 *
 * '#' indicates comment, rest of line is ignored.
 * <line> := <policy> <whitespace> <options>
 * <policy> := <string>
 * <options> ::= *(<option> *(<whitespace>))
 * <option> ::= <opt> *(<whitespace> | <eol>)
 * <opt> := <name> ['=' <quoteopt> *(',' *(<whitespace>) <string>)]
 * <quoteopt> ::= <string> | '"' *(<letter> | <whitespace>) '"'
 * <string> ::= *(<letter> | <number>)
 *
 * Sizes given as option values accept a trailing K or M multiplier
 * (e.g. nearmem=256K, farmem=4M) in addition to plain byte counts.
 */

// policyDef is what RegisterPolicy stores for one named policy.
type policyDef struct {
	create func(name string, opts []Option) error
}

var policies = map[string]policyDef{}

var lineNumber int

// RegisterPolicy should be called from a policy package's init function,
// the way the teacher's device models self-register with RegisterModel.
// umc, silc, memcontroller and twolevel each call this under their own
// name so a config file can name them without the config package
// importing any of them.
func RegisterPolicy(name string, fn func(name string, opts []Option) error) {
	name = strings.ToUpper(name)
	fmt.Println("Registering policy: ", name)
	policies[name] = policyDef{create: fn}
}

func createPolicy(name string, opts []Option) error {
	up := strings.ToUpper(name)
	def, ok := policies[up]
	if !ok {
		return errors.New("unknown policy: " + name)
	}
	return def.create(up, opts)
}

// LoadConfigFile reads name line by line, constructing one policy
// instance per non-comment, non-blank line.
func LoadConfigFile(name string) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()

	lineNumber = 0
	reader := bufio.NewReader(file)
	for {
		var err error

		line := policyLine{}
		line.line, err = reader.ReadString('\n')
		lineNumber++
		if len(line.line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if err := line.parseLine(); err != nil {
			return err
		}
	}
	return nil
}

// parseLine parses one policy line and constructs it.
func (line *policyLine) parseLine() error {
	name := line.parseName()
	if name == "" {
		return nil
	}

	options, err := line.parseOptions()
	if err != nil {
		return err
	}
	return createPolicy(name, options)
}

// skipSpace advances past whitespace.
func (line *policyLine) skipSpace() {
	for line.pos < len(line.line) && unicode.IsSpace(rune(line.line[line.pos])) {
		line.pos++
	}
}

// isEOL reports end of line or start of a comment.
func (line *policyLine) isEOL() bool {
	if line.pos >= len(line.line) {
		return true
	}
	return line.line[line.pos] == '#'
}

// getNext returns the next letter/digit in line, 0 at EOL or space
// unless inQuote.
func (line *policyLine) getNext(inQuote bool) byte {
	line.pos++
	if line.isEOL() {
		return 0
	}
	by := line.line[line.pos]
	if unicode.IsLetter(rune(by)) || unicode.IsNumber(rune(by)) || inQuote {
		return by
	}
	return 0
}

// getPeek looks at the next character without consuming it.
func (line *policyLine) getPeek() byte {
	if (line.pos + 1) >= len(line.line) {
		return 0
	}
	return line.line[line.pos+1]
}

// parseName reads the leading policy name off the line.
func (line *policyLine) parseName() string {
	line.skipSpace()
	if line.isEOL() {
		return ""
	}

	name := ""
	for !line.isEOL() {
		by := line.line[line.pos]
		if unicode.IsLetter(rune(by)) || unicode.IsNumber(rune(by)) {
			name += string([]byte{by})
			line.pos++
			continue
		}
		break
	}
	return strings.ToUpper(name)
}

// parseQuoteString parses a "quoted string" (with ""-escaped embedded
// quotes) or a bare comma/space-terminated token.
func (line *policyLine) parseQuoteString() (string, bool) {
	inQuote := false
	value := ""

	if line.getPeek() == '"' {
		inQuote = true
		_ = line.getNext(true)
	}

	for {
		by := line.getNext(inQuote)
		if by == '"' && inQuote {
			by = line.getNext(inQuote)
			if by != '"' {
				return value, true
			}
		}

		space := unicode.IsSpace(rune(by))
		if !inQuote && (space || by == 0 || by == ',') {
			return value, true
		}

		value += string(by)
		if line.isEOL() {
			return value, !inQuote
		}
	}
}

// getName reads an identifier: first character must be a letter.
func (line *policyLine) getName() (string, error) {
	if line.isEOL() {
		return "", nil
	}

	by := line.line[line.pos]
	if !unicode.IsLetter(rune(by)) {
		if !line.isEOL() {
			return "", fmt.Errorf("invalid option encountered line: %d [%d]", lineNumber, line.pos)
		}
		return "", nil
	}
	value := ""

	for {
		value += string([]byte{by})
		by = line.getNext(false)
		if by == 0 {
			break
		}
	}
	return value, nil
}

// parseOption parses one key[=value[,value...]] token.
func (line *policyLine) parseOption() (*Option, error) {
	line.skipSpace()

	value, err := line.getName()
	if value == "" {
		return nil, err
	}

	option := Option{Name: value}

	if line.isEOL() {
		return &option, nil
	}

	if line.line[line.pos] == '=' {
		v, ok := line.parseQuoteString()
		if !ok {
			return nil, fmt.Errorf("invalid quoted string line: %d [%d]", lineNumber, line.pos)
		}
		option.EqualOpt = v
	}

	line.skipSpace()

	for !line.isEOL() && line.line[line.pos] == ',' {
		line.pos++
		line.skipSpace()
		v := ""
		for !line.isEOL() {
			by := line.line[line.pos]
			if !unicode.IsLetter(rune(by)) && !unicode.IsNumber(rune(by)) {
				break
			}
			v += string([]byte{by})
			line.pos++
		}
		if v != "" {
			option.Value = append(option.Value, &v)
		}
		line.skipSpace()
	}

	return &option, nil
}

// parseOptions collects every option remaining on the line.
func (line *policyLine) parseOptions() ([]Option, error) {
	options := []Option{}
	for {
		option, err := line.parseOption()
		if err != nil {
			return nil, err
		}
		if option == nil {
			break
		}
		options = append(options, *option)
	}
	return options, nil
}

// ParseSize parses a byte count option value, accepting a trailing K or
// M multiplier (<number><K|M>, as the grammar comment above notes), in
// addition to a plain decimal byte count.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty size value")
	}

	mult := uint64(1)
	last := s[len(s)-1]
	switch last {
	case 'K', 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}

// Find returns the EqualOpt value of the named option, if present.
func Find(opts []Option, name string) (string, bool) {
	name = strings.ToUpper(name)
	for _, o := range opts {
		if strings.ToUpper(o.Name) == name {
			return o.EqualOpt, true
		}
	}
	return "", false
}
