package contacts

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/matheus3301/linkchat/internal/chaterr"
)

const linkScheme = "linkchat"

// Link is the shareable form of a contact, usually shown as a QR code.
type Link struct {
	Name    string
	Key     string
	LinkKey string
}

func (l Link) String() string {
	q := url.Values{}
	q.Set("name", l.Name)
	q.Set("key", l.Key)
	q.Set("linkKey", l.LinkKey)
	return fmt.Sprintf("%s://contact?%s", linkScheme, q.Encode())
}

// ParseLink reads a link produced by Link.String.
func ParseLink(s string) (Link, error) {
	const op = "contacts.parse_link"

	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Link{}, chaterr.New(chaterr.Decode, op, err)
	}
	if u.Scheme != linkScheme || u.Host != "contact" {
		return Link{}, chaterr.Newf(chaterr.Decode, op, "not a contact link: %q", s)
	}
	q := u.Query()
	l := Link{
		Name:    q.Get("name"),
		Key:     strings.ToUpper(q.Get("key")),
		LinkKey: strings.ToUpper(q.Get("linkKey")),
	}
	if l.Name == "" || !ValidKey(l.LinkKey) {
		return Link{}, chaterr.Newf(chaterr.Decode, op, "contact link is missing a name or a valid link key")
	}
	return l, nil
}
