package actions

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/pkg/db/models"
)

// Match returns the ids of the team's actions matching the event. An action
// matches when any of its steps matches; a step matches when every non-empty
// predicate on it holds.
func (m *Manager) Match(ev *event.PluginEvent) []int {
	elements := event.ExtractElements(ev.Properties)

	var matched []int
	for _, action := range m.ForTeam(ev.TeamID) {
		for _, step := range action.Steps {
			if stepMatches(step, ev, elements) {
				matched = append(matched, action.ID)
				break
			}
		}
	}
	return matched
}

func stepMatches(step models.ActionStep, ev *event.PluginEvent, elements []models.Element) bool {
	if step.EventName != "" && step.EventName != ev.Event {
		return false
	}
	if step.URL != "" && !urlMatches(step, ev) {
		return false
	}
	if !elementMatches(step, elements) {
		return false
	}
	for _, filter := range step.Properties {
		if !propertyMatches(filter, ev.Properties) {
			return false
		}
	}
	return true
}

func urlMatches(step models.ActionStep, ev *event.PluginEvent) bool {
	current, _ := ev.Properties["$current_url"].(string)
	if current == "" {
		return false
	}
	switch step.URLMatching {
	case "exact":
		return current == step.URL
	case "regex":
		re, err := regexp.Compile(step.URL)
		if err != nil {
			return false
		}
		return re.MatchString(current)
	default: // contains
		return strings.Contains(current, step.URL)
	}
}

func elementMatches(step models.ActionStep, elements []models.Element) bool {
	if step.TagName == "" && step.Text == "" && step.Href == "" {
		return true
	}
	for _, el := range elements {
		if step.TagName != "" && el.TagName != step.TagName {
			continue
		}
		if step.Text != "" && el.Text != step.Text {
			continue
		}
		if step.Href != "" && el.Href != step.Href {
			continue
		}
		return true
	}
	return false
}

func propertyMatches(filter models.PropertyFilter, properties map[string]any) bool {
	value, present := properties[filter.Key]

	switch filter.Operator {
	case "is_set":
		return present
	case "is_not_set":
		return !present
	}
	if !present {
		return false
	}

	actual := stringifyValue(value)
	expected := stringifyValue(filter.Value)

	switch filter.Operator {
	case "", "exact":
		return actual == expected
	case "is_not":
		return actual != expected
	case "icontains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case "not_icontains":
		return !strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case "regex":
		re, err := regexp.Compile(expected)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	case "not_regex":
		re, err := regexp.Compile(expected)
		if err != nil {
			return false
		}
		return !re.MatchString(actual)
	case "gt":
		a, aOK := numericValue(value)
		b, bOK := numericValue(filter.Value)
		return aOK && bOK && a > b
	case "lt":
		a, aOK := numericValue(value)
		b, bOK := numericValue(filter.Value)
		return aOK && bOK && a < b
	default:
		return false
	}
}

func stringifyValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

func numericValue(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case string:
		parsed, err := strconv.ParseFloat(value, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
