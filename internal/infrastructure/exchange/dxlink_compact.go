package exchange

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vitos/options_breakout/internal/domain"
)

// Field names requested in FEED_SETUP. The server answers with the order it
// will actually use in FEED_CONFIG, which then becomes the decode schema.
var defaultEventFields = map[string][]string{
	string(domain.EventQuote): {"eventType", "eventSymbol", "bidPrice", "askPrice", "bidSize", "askSize"},
	string(domain.EventTrade): {"eventType", "eventSymbol", "price", "size", "dayVolume"},
}

type feedSchema map[string][]string

func newFeedSchema() feedSchema {
	s := make(feedSchema, len(defaultEventFields))
	for k, v := range defaultEventFields {
		s[k] = v
	}
	return s
}

// apply overrides the schema with the eventFields of a FEED_CONFIG frame.
func (s feedSchema) apply(eventFields gjson.Result) {
	eventFields.ForEach(func(k, v gjson.Result) bool {
		if _, ok := defaultEventFields[k.String()]; !ok || !v.IsArray() {
			return true
		}
		var fields []string
		v.ForEach(func(_, f gjson.Result) bool {
			fields = append(fields, f.String())
			return true
		})
		if len(fields) > 0 {
			s[k.String()] = fields
		}
		return true
	})
}

// decodeFeedData decodes the data member of a compact FEED_DATA frame:
// alternating event-type tags and flat value lists, each list holding
// fixed-width groups laid out per the schema. Any malformed group fails the
// whole frame so a misaligned batch never yields shifted values.
func decodeFeedData(data gjson.Result, schema feedSchema, now time.Time) ([]domain.QuoteUpdate, error) {
	if !data.IsArray() {
		return nil, fmt.Errorf("%w: feed data is not an array", domain.ErrData)
	}
	items := data.Array()
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("%w: feed data has odd length %d", domain.ErrData, len(items))
	}

	var updates []domain.QuoteUpdate
	for i := 0; i < len(items); i += 2 {
		tag := items[i].String()
		fields, ok := schema[tag]
		if !ok {
			continue
		}
		if !items[i+1].IsArray() {
			return nil, fmt.Errorf("%w: %s values are not an array", domain.ErrData, tag)
		}
		values := items[i+1].Array()
		width := len(fields)
		if len(values)%width != 0 {
			return nil, fmt.Errorf("%w: %s batch of %d values is not a multiple of %d", domain.ErrData, tag, len(values), width)
		}

		for j := 0; j < len(values); j += width {
			u, err := decodeGroup(domain.EventType(tag), fields, values[j:j+width], now)
			if err != nil {
				return nil, err
			}
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func decodeGroup(tag domain.EventType, fields []string, group []gjson.Result, now time.Time) (domain.QuoteUpdate, error) {
	u := domain.QuoteUpdate{Type: tag, Time: now}
	for k, name := range fields {
		v := group[k]
		switch name {
		case "eventType":
			if v.String() != string(tag) {
				return u, fmt.Errorf("%w: expected %s group, got %q", domain.ErrData, tag, v.String())
			}
		case "eventSymbol":
			u.Symbol = v.String()
		case "bidPrice":
			u.Bid = num(v)
		case "askPrice":
			u.Ask = num(v)
		case "bidSize":
			u.BidSize = num(v)
		case "askSize":
			u.AskSize = num(v)
		case "price":
			u.Price = num(v)
		case "size":
			u.Size = num(v)
		case "dayVolume":
			u.DayVolume = num(v)
		}
	}
	if u.Symbol == "" {
		return u, fmt.Errorf("%w: %s group without symbol", domain.ErrData, tag)
	}
	return u, nil
}
