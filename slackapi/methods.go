package slackapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/slack-go/slack"
)

// listPageSize is the page size requested from cursor-paginated list methods.
const listPageSize = 200

// AuthTest verifies the token. A rejected credential is returned as a
// *RemoteAPIError so callers can tell it apart from a transport failure.
func (c *Client) AuthTest(ctx context.Context) (*slack.AuthTestResponse, error) {
	resp, err := c.Call(ctx, "auth.test", nil, false)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &RemoteAPIError{Method: "auth.test", Code: resp.Error}
	}
	var out slack.AuthTestResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RTMConnect asks for a real-time stream URL along with the connecting
// identity and team.
func (c *Client) RTMConnect(ctx context.Context) (*slack.Info, error) {
	resp, err := c.Call(ctx, "rtm.connect", nil, true)
	if err != nil {
		return nil, err
	}
	var out slack.Info
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, &RemoteAPIError{Method: "rtm.connect", Code: ErrCodeMalformedResponse}
	}
	return &out, nil
}

type cursorPage struct {
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// ListUsers returns every workspace member, following pagination cursors.
func (c *Client) ListUsers(ctx context.Context) ([]slack.User, error) {
	var users []slack.User
	cursor := ""
	for {
		params := url.Values{"limit": {strconv.Itoa(listPageSize)}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		resp, err := c.Call(ctx, "users.list", params, true)
		if err != nil {
			return nil, err
		}
		var page struct {
			cursorPage
			Members []slack.User `json:"members"`
		}
		if err := resp.Decode(&page); err != nil {
			return nil, err
		}
		users = append(users, page.Members...)
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return users, nil
		}
	}
}

// ListChannels returns public channels visible to the token.
func (c *Client) ListChannels(ctx context.Context, excludeArchived bool) ([]slack.Channel, error) {
	return c.listConversations(ctx, "channels.list", "channels", excludeArchived)
}

// ListGroups returns private groups the token is a member of.
func (c *Client) ListGroups(ctx context.Context, excludeArchived bool) ([]slack.Channel, error) {
	return c.listConversations(ctx, "groups.list", "groups", excludeArchived)
}

func (c *Client) listConversations(ctx context.Context, method, key string, excludeArchived bool) ([]slack.Channel, error) {
	params := url.Values{}
	if excludeArchived {
		params.Set("exclude_archived", "1")
	}
	resp, err := c.Call(ctx, method, params, true)
	if err != nil {
		return nil, err
	}
	var out []slack.Channel
	if err := decodeField(resp, key, &out); err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	return out, nil
}

// ConversationInfo fetches a single conversation through a legacy info method
// (channels.info or groups.info). key is the response field holding it.
func (c *Client) ConversationInfo(ctx context.Context, method, key, id string) (*slack.Channel, error) {
	resp, err := c.Call(ctx, method, url.Values{"channel": {id}}, true)
	if err != nil {
		return nil, err
	}
	var ch slack.Channel
	if err := decodeField(resp, key, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// OpenIM opens (or reuses) the direct-message conversation with userID and
// returns its ID.
func (c *Client) OpenIM(ctx context.Context, userID string) (string, error) {
	resp, err := c.Call(ctx, "im.open", url.Values{"user": {userID}}, true)
	if err != nil {
		return "", err
	}
	var out struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.Channel.ID == "" {
		return "", &RemoteAPIError{Method: "im.open", Code: ErrCodeMalformedResponse}
	}
	return out.Channel.ID, nil
}

// SetPresence sets the connected account's presence to "auto" or "away".
func (c *Client) SetPresence(ctx context.Context, presence string) error {
	_, err := c.Call(ctx, "users.setPresence", url.Values{"presence": {presence}}, true)
	return err
}

func decodeField(resp *Response, key string, v any) error {
	var fields map[string]json.RawMessage
	if err := resp.Decode(&fields); err != nil {
		return err
	}
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("slack response missing %q", key)
	}
	return (&Response{body: raw}).Decode(v)
}
