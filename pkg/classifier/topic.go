// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package classifier

import (
	"strings"

	"github.com/pkg/errors"
)

// Category is the topic family a delivery belongs to.
type Category int

// Topic categories
const (
	CategoryUnknown  Category = iota
	CategoryEnvelope          // /e/ binary envelope
	CategoryChannel           // /c/ channel JSON
	CategoryStat              // /stat/ gateway status JSON
	CategoryMap               // /map/ map position
	CategoryJSON              // /2/json/ nested JSON
)

// Topic is a parsed broker topic. The grammar is
// <root>/<region>[/<subregion>][/<modem-preset>]/<type>[/<channel>][/<gateway>]
// with optional segments, so parsing anchors on the type token.
type Topic struct {
	Raw       string
	Root      string
	Region    string
	Category  Category
	Channel   string
	GatewayID string
}

var errTopicGrammar = errors.New("topic does not match the mesh grammar")

// categoryTokens maps type segments to categories. "json" appears under a
// modem-preset segment ("2/json") but the token alone identifies it.
var categoryTokens = map[string]Category{
	"e":    CategoryEnvelope,
	"c":    CategoryChannel,
	"stat": CategoryStat,
	"map":  CategoryMap,
	"json": CategoryJSON,
}

// ParseTopic splits a topic and locates the category token. Segments after
// the token are the channel name and the gateway id; /stat topics carry the
// gateway id directly after the token.
func ParseTopic(raw string) (*Topic, error) {
	segs := strings.Split(raw, "/")
	if len(segs) < 3 {
		return nil, errors.Wrap(errTopicGrammar, raw)
	}
	t := &Topic{Raw: raw, Root: segs[0], Region: segs[1]}
	typeIdx := -1
	for i := 2; i < len(segs); i++ {
		if cat, ok := categoryTokens[segs[i]]; ok {
			t.Category = cat
			typeIdx = i
			break
		}
	}
	if typeIdx < 0 {
		return nil, errors.Wrap(errTopicGrammar, raw)
	}

	rest := segs[typeIdx+1:]
	switch t.Category {
	case CategoryStat:
		// msh/US/2/stat/!gateway
		if len(rest) > 0 {
			t.GatewayID = rest[len(rest)-1]
		}
	default:
		// msh/US/2/e/LongFast/!gateway — gateway ids start with '!'.
		for _, seg := range rest {
			if strings.HasPrefix(seg, "!") {
				t.GatewayID = seg
			} else if t.Channel == "" {
				t.Channel = seg
			}
		}
	}
	return t, nil
}
