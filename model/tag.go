package model

import (
	"strings"
)

// Tag represents parsed jorm tags
type Tag struct {
	Column     string
	Skip       bool
	PrimaryKey bool
	AutoInc    bool
	Obfuscate  bool

	RelationType string
	ForeignKey   string
	References   string
	JoinTable    string
	JoinFK       string
	JoinRef      string
}

// ParseTag parses the "jorm" tag string. Options are separated by spaces,
// semicolons or commas; values follow a colon, e.g. `jorm:"column:user_id pk"`.
func ParseTag(tagStr string) *Tag {
	tag := &Tag{}
	if tagStr == "" {
		return tag
	}
	if strings.TrimSpace(tagStr) == "-" {
		tag.Skip = true
		return tag
	}

	parts := strings.FieldsFunc(tagStr, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ';' || r == ','
	})
	for _, part := range parts {
		kv := strings.SplitN(part, ":", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		var val string
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}

		switch key {
		case "column":
			tag.Column = val
		case "pk":
			tag.PrimaryKey = true
		case "auto":
			tag.AutoInc = true
		case "obfuscate", "obfuscated":
			tag.Obfuscate = true
		case "many2many", "many_to_many":
			tag.RelationType = "many_to_many"
			if val != "" {
				tag.JoinTable = val
			}
		case "has_one", "has_many", "belongs_to":
			tag.RelationType = key
		case "relation":
			tag.RelationType = val
		case "fk", "foreignkey":
			tag.ForeignKey = val
		case "references":
			tag.References = val
		case "join_table":
			tag.JoinTable = val
		case "join_fk":
			tag.JoinFK = val
		case "join_ref":
			tag.JoinRef = val
		}
	}
	return tag
}

// IsRelation reports whether the tag declares an association rather than a column.
func (t *Tag) IsRelation() bool {
	return t.RelationType != "" || t.JoinTable != ""
}
