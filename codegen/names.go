package codegen

import (
	"strconv"
	"strings"
	"unicode"
)

var reservedWords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`
		break case catch class const continue debugger default delete do else
		enum export extends false finally for function if implements import in
		instanceof interface let new null package private protected public
		return static super switch this throw true try typeof var void while
		with yield await arguments eval undefined NaN Infinity
		Math window console Array Object String Number Boolean JSON`) {
		m[w] = true
	}
	return m
}()

// nameDB hands out JavaScript identifiers: one stable name per variable id,
// and fresh helper names that never collide with variables or each other.
type nameDB struct {
	used  map[string]bool
	byID  map[string]string
	order []string // variable names in declaration order
}

func newNameDB() *nameDB {
	return &nameDB{
		used: make(map[string]bool),
		byID: make(map[string]string),
	}
}

// variable returns the identifier for variable id, allocating it from
// display (or the id when display is empty) on first use.
func (d *nameDB) variable(id, display string) string {
	if name, ok := d.byID[id]; ok {
		return name
	}
	if display == "" {
		display = id
	}
	name := d.distinct(display)
	d.byID[id] = name
	d.order = append(d.order, name)
	return name
}

// helperName returns a fresh identifier derived from base for generated
// loop bookkeeping.
func (d *nameDB) helperName(base string) string {
	return d.distinct(base)
}

func (d *nameDB) distinct(base string) string {
	safe := safeName(base)
	name := safe
	for i := 2; d.used[name] || reservedWords[name]; i++ {
		name = safe + strconv.Itoa(i)
	}
	d.used[name] = true
	return name
}

// declarations lists every variable name in first-allocation order.
func (d *nameDB) declarations() []string {
	return d.order
}

func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" {
		return "unnamed"
	}
	if unicode.IsDigit([]rune(name)[0]) {
		name = "my_" + name
	}
	return name
}
