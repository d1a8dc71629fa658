package event

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/openloom/plugin-server/pkg/db/models"
)

// ExtractElements reads the `$elements` property (autocaptured DOM chain)
// into element rows. Returns nil when the event carries no elements.
func ExtractElements(properties map[string]any) []models.Element {
	rawList, ok := properties["$elements"].([]any)
	if !ok || len(rawList) == 0 {
		return nil
	}

	elements := make([]models.Element, 0, len(rawList))
	for i, raw := range rawList {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		el := models.Element{Order: i}
		if v, ok := item["tag_name"].(string); ok {
			el.TagName = v
		}
		if v, ok := item["$el_text"].(string); ok {
			el.Text = v
		}
		if v, ok := item["nth_child"].(float64); ok {
			el.NthChild = int(v)
		}
		if v, ok := item["nth_of_type"].(float64); ok {
			el.NthOfType = int(v)
		}
		attributes := map[string]any{}
		for key, value := range item {
			if !strings.HasPrefix(key, "attr__") {
				continue
			}
			attributes[key] = value
			switch key {
			case "attr__class":
				el.AttrClass = parseClasses(value)
			case "attr__id":
				el.AttrID = stringify(value)
			case "attr__href":
				el.Href = stringify(value)
			}
		}
		el.Attributes = attributes
		elements = append(elements, el)
	}
	if len(elements) == 0 {
		return nil
	}
	return elements
}

func parseClasses(value any) pq.StringArray {
	switch v := value.(type) {
	case string:
		fields := strings.Fields(v)
		if len(fields) == 0 {
			return nil
		}
		return pq.StringArray(fields)
	case []any:
		classes := make([]string, 0, len(v))
		for _, c := range v {
			if s := stringify(c); s != "" {
				classes = append(classes, s)
			}
		}
		if len(classes) == 0 {
			return nil
		}
		return pq.StringArray(classes)
	default:
		return nil
	}
}

// ChainString renders elements deterministically so equal chains hash equal:
// tag, sorted classes, then sorted key="value" attributes per element,
// elements joined by semicolons.
func ChainString(elements []models.Element) string {
	parts := make([]string, 0, len(elements))
	for _, el := range elements {
		var b strings.Builder
		b.WriteString(el.TagName)
		classes := append([]string(nil), el.AttrClass...)
		sort.Strings(classes)
		for _, class := range classes {
			b.WriteString(".")
			b.WriteString(strings.ReplaceAll(class, `"`, ""))
		}

		attributes := map[string]string{
			"nth-child":   fmt.Sprint(el.NthChild),
			"nth-of-type": fmt.Sprint(el.NthOfType),
		}
		if el.Text != "" {
			attributes["text"] = el.Text
		}
		if el.Href != "" {
			attributes["href"] = el.Href
		}
		if el.AttrID != "" {
			attributes["attr_id"] = el.AttrID
		}
		for key, value := range el.Attributes {
			attributes[key] = stringify(value)
		}

		keys := make([]string, 0, len(attributes))
		for key := range attributes {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		b.WriteString(":")
		for _, key := range keys {
			b.WriteString(escapeChain(key))
			b.WriteString(`="`)
			b.WriteString(escapeChain(attributes[key]))
			b.WriteString(`"`)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ";")
}

// HashElements fingerprints a chain for the element_groups unique constraint.
func HashElements(elements []models.Element) string {
	sum := md5.Sum([]byte(ChainString(elements)))
	return hex.EncodeToString(sum[:])
}

func escapeChain(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
