package bridge

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// TabParam and TabHeader carry a tab token on the websocket URL and on plain
// HTTP calls respectively.
const (
	TabParam  = "tab"
	TabHeader = "X-Slotwatch-Tab"
)

const (
	tabTokenName   = "slotwatch_tab"
	tabTokenMaxAge = 12 * time.Hour
)

// TabSessions signs per-tab tokens. A token names exactly one tab, so two
// tabs of the same browser never share an ID; a reloaded tab presents its
// token again to keep its ID.
type TabSessions struct {
	sc *securecookie.SecureCookie
}

// NewTabSessions takes a 32 or 64 byte hash key and an optional 16/24/32 byte
// block key. Empty keys are replaced with random ones, which invalidates
// tokens on restart.
func NewTabSessions(hashKey, blockKey []byte) *TabSessions {
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(32)
	}
	if len(blockKey) == 0 {
		blockKey = securecookie.GenerateRandomKey(32)
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(tabTokenMaxAge.Seconds()))
	return &TabSessions{sc: sc}
}

// Token signs and encrypts id for the page to keep.
func (s *TabSessions) Token(id TabID) (string, error) {
	return s.sc.Encode(tabTokenName, string(id))
}

// Resolve returns the tab ID named by the token in r's query or header, or
// "" when there is none or it does not verify.
func (s *TabSessions) Resolve(r *http.Request) TabID {
	tok := r.URL.Query().Get(TabParam)
	if tok == "" {
		tok = r.Header.Get(TabHeader)
	}
	if tok == "" {
		return ""
	}
	var id string
	if err := s.sc.Decode(tabTokenName, tok, &id); err != nil {
		return ""
	}
	return TabID(id)
}
