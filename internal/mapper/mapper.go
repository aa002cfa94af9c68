// Package mapper translates canonical records into Notion page properties and content.
package mapper

import (
	"fmt"
	"os"
	"strings"

	"github.com/jomei/notionapi"
	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/ghnotion/internal/md"
	"github.com/JohanCodinha/ghnotion/internal/record"
)

// maxOptionLength is the longest select option name Notion accepts.
const maxOptionLength = 100

// Schema names the database properties a kind writes. An empty name
// disables that property.
type Schema struct {
	Title     string `yaml:"title"`
	Number    string `yaml:"number"`
	State     string `yaml:"state"`
	Assignee  string `yaml:"assignee"`
	URL       string `yaml:"url"`
	Labels    string `yaml:"labels"`
	Reviewers string `yaml:"reviewers"`
	Merge     string `yaml:"merge_status"`
	Category  string `yaml:"category"`
	Author    string `yaml:"author"`
}

// Validate checks the properties every page needs are named.
func (s Schema) Validate() error {
	if s.Title == "" {
		return fmt.Errorf("schema: title property name is required")
	}
	if s.Number == "" {
		return fmt.Errorf("schema: number property name is required")
	}
	return nil
}

// Schemas holds one schema per kind.
type Schemas map[record.Kind]Schema

// DefaultSchemas returns the property names of the stock Notion templates.
func DefaultSchemas() Schemas {
	return Schemas{
		record.KindIssues: {
			Title:    "issue",
			Number:   "Issue Number",
			State:    "State",
			Assignee: "Assignee",
			URL:      "URL",
		},
		record.KindPullRequests: {
			Title:     "Name",
			Number:    "Pull Request Number",
			State:     "State",
			URL:       "URL",
			Reviewers: "Reviewers",
			Merge:     "Merge Status",
		},
		record.KindDiscussions: {
			Title:    "Name",
			Number:   "Discussion Number",
			State:    "State",
			URL:      "URL",
			Category: "Category",
			Author:   "Author",
		},
	}
}

// LoadSchemas reads a YAML file keyed by kind and overlays it on the
// defaults. Fields absent from the file keep their default name; fields set
// to "" are disabled.
//
//	issues:
//	  title: Name
//	  labels: Labels
func LoadSchemas(path string) (Schemas, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	return ParseSchemas(data)
}

// ParseSchemas is LoadSchemas on in-memory YAML.
func ParseSchemas(data []byte) (Schemas, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing schema file: %w", err)
	}

	schemas := DefaultSchemas()
	for name, node := range raw {
		kind, err := record.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("schema file: %w", err)
		}
		s := schemas[kind]
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("schema file: %s: %w", name, err)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s %w", name, err)
		}
		schemas[kind] = s
	}
	return schemas, nil
}

// Properties returns the property payload for r. Empty scalar fields are
// omitted; empty list fields are sent as an empty list so stale values clear.
func Properties(s Schema, r record.Record) notionapi.Properties {
	props := notionapi.Properties{
		s.Title: notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: richText(r.Title),
		},
		s.Number: notionapi.NumberProperty{
			Type:   notionapi.PropertyTypeNumber,
			Number: float64(r.Key),
		},
	}
	if s.State != "" && r.State != "" {
		props[s.State] = selectProp(string(r.State))
	}
	if s.Assignee != "" && r.Assignee != "" {
		props[s.Assignee] = selectProp(r.Assignee)
	}
	if s.URL != "" && r.URL != "" {
		props[s.URL] = notionapi.URLProperty{Type: notionapi.PropertyTypeURL, URL: r.URL}
	}
	if s.Labels != "" {
		props[s.Labels] = multiSelect(r.Labels)
	}

	switch r.Kind {
	case record.KindPullRequests:
		if s.Reviewers != "" {
			props[s.Reviewers] = multiSelect(r.Reviewers)
		}
		if s.Merge != "" && r.Merge != "" {
			props[s.Merge] = selectProp(string(r.Merge))
		}
	case record.KindDiscussions:
		if s.Category != "" && r.Category != "" {
			props[s.Category] = selectProp(r.Category)
		}
		if s.Author != "" {
			props[s.Author] = notionapi.RichTextProperty{
				Type:     notionapi.PropertyTypeRichText,
				RichText: richText(r.Author),
			}
		}
	}
	return props
}

// Blocks returns the page content for r.
func Blocks(r record.Record) []notionapi.Block {
	return md.ToBlocks(r.Body)
}

// StatusProperty builds a status update for a linked task's status column.
func StatusProperty(name string, outcome record.MergeOutcome) notionapi.Properties {
	return notionapi.Properties{name: notionapi.StatusProperty{
		Type:   notionapi.PropertyTypeStatus,
		Status: notionapi.Status{Name: optionName(string(outcome))},
	}}
}

// MergeComment is the comment left on a linked task: a bold "Your PR"
// linking to the pull request, then how it ended.
func MergeComment(url string, outcome record.MergeOutcome) []notionapi.RichText {
	lead := notionapi.RichText{
		Type:        notionapi.ObjectTypeText,
		Text:        &notionapi.Text{Content: "Your PR"},
		Annotations: &notionapi.Annotations{Bold: true},
	}
	if url != "" {
		lead.Text.Link = &notionapi.Link{Url: url}
	}
	tail := " was closed but not merged!"
	if outcome == record.MergeMerged {
		tail = " has been merged!"
	}
	return []notionapi.RichText{lead, {
		Type: notionapi.ObjectTypeText,
		Text: &notionapi.Text{Content: tail},
	}}
}

func richText(s string) []notionapi.RichText {
	out := []notionapi.RichText{}
	if s == "" {
		return out
	}
	for _, chunk := range md.SplitText(s, md.MaxTextLength) {
		out = append(out, notionapi.RichText{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: chunk},
		})
	}
	return out
}

func selectProp(name string) notionapi.SelectProperty {
	return notionapi.SelectProperty{
		Type:   notionapi.PropertyTypeSelect,
		Select: notionapi.Option{Name: optionName(name)},
	}
}

func multiSelect(names []string) notionapi.MultiSelectProperty {
	opts := make([]notionapi.Option, 0, len(names))
	for _, n := range names {
		opts = append(opts, notionapi.Option{Name: optionName(n)})
	}
	return notionapi.MultiSelectProperty{Type: notionapi.PropertyTypeMultiSelect, MultiSelect: opts}
}

// optionName strips commas, which Notion rejects in option names, and
// truncates to the option length limit.
func optionName(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	if r := []rune(s); len(r) > maxOptionLength {
		s = string(r[:maxOptionLength])
	}
	return s
}
