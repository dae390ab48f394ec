package registry

import "strings"

// ParsedTopic is the result of parsing a transport topic.
type ParsedTopic struct {
	SensorCode string
	TenantCode string
	SiteCode   string
	Raw        string
}

// ParseTopic extracts sensor identifiers from a topic. Supported shapes:
//
//	sensors/{code}
//	equipment/{code}
//	{tenant}/{site}/sensors/{code}
//
// Returns nil for topics that match none of these.
func ParseTopic(topic string) *ParsedTopic {
	parts := strings.Split(topic, "/")

	if len(parts) == 2 && (parts[0] == "sensors" || parts[0] == "equipment") && parts[1] != "" {
		return &ParsedTopic{SensorCode: parts[1], Raw: topic}
	}

	if len(parts) == 4 && parts[2] == "sensors" && parts[0] != "" && parts[1] != "" && parts[3] != "" {
		return &ParsedTopic{
			SensorCode: parts[3],
			TenantCode: parts[0],
			SiteCode:   parts[1],
			Raw:        topic,
		}
	}

	return nil
}
