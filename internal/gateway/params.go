package gateway

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/crypto-trading/ibportal/internal/domain"
)

// Params is an insertion-ordered query string. Commas in values are left
// unescaped because the gateway splits list parameters on a literal comma.
type Params struct {
	keys   []string
	values map[string]string
}

func NewParams() *Params {
	return &Params{values: make(map[string]string)}
}

func (p *Params) Set(key, value string) *Params {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

// SetOptional sets key only when value is non-empty.
func (p *Params) SetOptional(key, value string) *Params {
	if value == "" {
		return p
	}
	return p.Set(key, value)
}

func (p *Params) SetInt(key string, value int64) *Params {
	return p.Set(key, strconv.FormatInt(value, 10))
}

// SetList joins values with commas; an empty list leaves key unset.
func (p *Params) SetList(key string, values []string) *Params {
	if len(values) == 0 {
		return p
	}
	return p.Set(key, domain.JoinList(values))
}

func (p *Params) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.values[key]
	return v, ok
}

func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

func (p *Params) Encode() string {
	if p.Len() == 0 {
		return ""
	}
	var sb strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(strings.ReplaceAll(url.QueryEscape(p.values[k]), "%2C", ","))
	}
	return sb.String()
}
