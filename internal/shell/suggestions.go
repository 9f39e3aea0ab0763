package shell

import (
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/agentworkforce/shellsync/internal/reconcile"
)

const (
	DefaultSuggestionCount = 3
	PrivateSourceHref      = "hyper://private/"
)

// Suggestion is a site other users subscribe to that the current user does
// not follow yet.
type Suggestion struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Subscribers []string `json:"subscribers"`
	Subscribed  bool     `json:"subscribed"`
}

// BuildSuggestions groups subscriptions by href, drops the ones whose origin
// the user already follows, and returns a random sample of n groups.
func BuildSuggestions(sources []Source, subscriptions []Subscription, n int, rng *rand.Rand) []Suggestion {
	following := reconcile.NewKeySet()
	for _, source := range sources {
		following.Add(originOf(source.Href))
	}
	records := make([]reconcile.CandidateRecord, 0, len(subscriptions))
	for _, sub := range subscriptions {
		contributor := sub.Site.Title
		if contributor == "" {
			contributor = sub.Site.URL
		}
		records = append(records, reconcile.CandidateRecord{
			Key:         sub.Href,
			Label:       sub.Title,
			Contributor: contributor,
		})
	}
	groups := reconcile.Aggregate(records, func(href string) bool {
		return following.Has(originOf(href))
	})
	sampled := reconcile.Sample(groups, n, rng)
	out := make([]Suggestion, 0, len(sampled))
	for _, group := range sampled {
		out = append(out, Suggestion{
			URL:         group.Key,
			Title:       group.Label,
			Subscribers: group.Contributors,
		})
	}
	return out
}

// SourceOptions is the full source list: the private drive and the user's
// profile first, then everything the user follows. It is the exclusion set
// for suggestions, so the user's own sites are never suggested.
func SourceOptions(profile Site, followed []Source) []Source {
	out := make([]Source, 0, len(followed)+2)
	out = append(out, Source{Href: PrivateSourceHref, Title: "My Private Data"})
	if strings.TrimSpace(profile.URL) != "" {
		out = append(out, Source{Href: profile.URL, Title: profile.Title})
	}
	return append(out, followed...)
}

// originOf returns scheme://host in lower case. Hrefs that do not parse as
// absolute URLs are compared as-is.
func originOf(href string) string {
	href = strings.TrimSpace(href)
	parsed, err := url.Parse(href)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return href
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
}
