package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tourdebug-mcp-server/internal/protocol"
)

// ErrPickerActive rejects a second picker session while one is armed.
var ErrPickerActive = errors.New("Selector picker already active")

// testAttributes are checked in order when building selectors.
var testAttributes = []string{"data-testid", "data-test", "data-cy"}

// ElementInfo describes one element on the path from the picked element up to
// (but excluding) the document root.
type ElementInfo struct {
	Tag     string            `json:"tag"`
	ID      string            `json:"id"`
	Attrs   map[string]string `json:"attrs"`
	Classes []string          `json:"classes"`
	Index   int               `json:"index"`
	SameTag int               `json:"sameTag"`
}

func (e ElementInfo) testAttribute() (string, string, bool) {
	for _, name := range testAttributes {
		if v := e.Attrs[name]; v != "" {
			return name, v, true
		}
	}
	return "", "", false
}

func (e ElementInfo) tagWithClass() string {
	tag := strings.ToLower(e.Tag)
	if len(e.Classes) > 0 && e.Classes[0] != "" {
		return tag + "." + cssEscape(e.Classes[0])
	}
	return tag
}

// ShortSelector picks the most readable selector for an element: its id, a
// test attribute, its tag with the first class, or its bare tag.
func ShortSelector(e ElementInfo) string {
	if e.ID != "" {
		return "#" + cssEscape(e.ID)
	}
	if name, value, ok := e.testAttribute(); ok {
		return attributeSelector(name, value)
	}
	return e.tagWithClass()
}

// UniqueSelector builds a path selector from chain, which starts at the
// picked element and walks up through its ancestors. The walk stops early at
// the first element anchored by an id or test attribute.
func UniqueSelector(chain []ElementInfo) string {
	parts := make([]string, 0, len(chain))
	for _, e := range chain {
		if e.ID != "" {
			parts = append(parts, "#"+cssEscape(e.ID))
			break
		}
		if name, value, ok := e.testAttribute(); ok {
			parts = append(parts, attributeSelector(name, value))
			break
		}
		part := e.tagWithClass()
		if e.SameTag > 1 && e.Index > 0 {
			part += fmt.Sprintf(":nth-of-type(%d)", e.Index)
		}
		parts = append(parts, part)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func attributeSelector(name, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
	return fmt.Sprintf(`[%s="%s"]`, name, escaped)
}

// cssEscape serialises an identifier the way CSS.escape does.
func cssEscape(ident string) string {
	runes := []rune(ident)
	var b strings.Builder
	for i, r := range runes {
		switch {
		case r == 0:
			b.WriteRune('\uFFFD')
		case (r >= 0x1 && r <= 0x1f) || r == 0x7f,
			i == 0 && isASCIIDigit(r),
			i == 1 && isASCIIDigit(r) && runes[0] == '-':
			fmt.Fprintf(&b, `\%x `, r)
		case i == 0 && r == '-' && len(runes) == 1:
			b.WriteString(`\-`)
		case r >= 0x80 || r == '-' || r == '_' ||
			isASCIIDigit(r) || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		default:
			b.WriteRune('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isASCIIDigit(r rune) bool { return r >= '0' && r <= '9' }

// PickResult is the answer to startPickSelector.
type PickResult struct {
	Selector       string `json:"selector,omitempty"`
	UniqueSelector string `json:"uniqueSelector,omitempty"`
	TagName        string `json:"tagName,omitempty"`
	Cancelled      bool   `json:"cancelled,omitempty"`
}

type rawPick struct {
	Cancelled bool          `json:"cancelled"`
	Chain     []ElementInfo `json:"chain"`
}

// Picker is the page's interactive element picker. At most one session is
// armed at a time.
type Picker struct {
	agent   *Agent
	timeout time.Duration

	mu     sync.Mutex
	active bool
}

func newPicker(a *Agent, timeout time.Duration) *Picker {
	return &Picker{agent: a, timeout: timeout}
}

// Active reports whether a session is armed.
func (p *Picker) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Start arms the picker and blocks until the user clicks an element, presses
// Escape, the session is cancelled or the picker deadline passes.
func (p *Picker) Start(ctx context.Context) (PickResult, error) {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return PickResult{}, ErrPickerActive
	}
	p.active = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active = false
		p.mu.Unlock()
	}()

	var raw rawPick
	if err := p.agent.callInto(ctx, &raw, "pick", p.timeout.Milliseconds()); err != nil {
		if ctx.Err() != nil {
			p.disarm()
		}
		return PickResult{}, err
	}
	if raw.Cancelled {
		return PickResult{Cancelled: true}, nil
	}

	result := PickResult{Selector: "html", UniqueSelector: "html", TagName: "html"}
	if len(raw.Chain) > 0 {
		result = PickResult{
			Selector:       ShortSelector(raw.Chain[0]),
			UniqueSelector: UniqueSelector(raw.Chain),
			TagName:        strings.ToLower(raw.Chain[0].Tag),
		}
	}
	if _, err := p.agent.highlighter.Apply(ctx, result.UniqueSelector); err != nil {
		log.Printf("[agent] highlight picked element %q: %v", result.UniqueSelector, err)
	}
	return result, nil
}

// disarm removes page listeners left behind by an abandoned session.
func (p *Picker) disarm() {
	ctx, cancel := context.WithTimeout(context.Background(), p.agent.opts.CallTimeout)
	defer cancel()
	if _, err := p.Cancel(ctx); err != nil {
		log.Printf("[agent] disarm picker: %v", err)
	}
}

// Cancel disarms the page-side session and reports whether one was armed.
func (p *Picker) Cancel(ctx context.Context) (bool, error) {
	var wasActive bool
	if err := p.agent.callInto(ctx, &wasActive, "cancelPick"); err != nil {
		return false, err
	}
	return wasActive, nil
}

func (a *Agent) startPick(ctx context.Context) protocol.Response {
	result, err := a.picker.Start(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(result)
}

func (a *Agent) cancelPick(ctx context.Context) protocol.Response {
	wasActive, err := a.picker.Cancel(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return protocol.DataResponse(map[string]bool{"cancelled": wasActive})
}
