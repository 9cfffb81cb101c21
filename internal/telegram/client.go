// Package telegram implements the crawler's platform boundary on top of the
// gotd MTProto client: entity resolution, search, participants, history,
// joins, the flood-wait aware governor and session lifecycle.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/celestix/gotgproto"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/blockedby/tg-crawler/internal/logger"
)

// Client adapts gotgproto/tg.Client to Platform. It remembers access hashes
// of every peer it has seen so entities can later be resolved by numeric id.
type Client struct {
	manager *Manager
	log     *logger.Logger

	mu       sync.RWMutex
	channels map[int64]int64 // channel id -> access hash
	users    map[int64]int64 // user id -> access hash
}

var _ Platform = (*Client)(nil)

// NewClient creates a platform client backed by the Manager's session.
func NewClient(manager *Manager) *Client {
	return &Client{
		manager:  manager,
		log:      logger.Get().Component("telegram"),
		channels: make(map[int64]int64),
		users:    make(map[int64]int64),
	}
}

// Close stops the client via the manager.
func (c *Client) Close() {
	if c.manager != nil {
		c.manager.Stop()
	}
}

// GetStatus returns the current status of the telegram session.
func (c *Client) GetStatus() Status {
	return c.manager.GetStatus()
}

func (c *Client) getProto() (*gotgproto.Client, error) {
	if c.manager == nil {
		return nil, ErrNotAuthorized
	}
	proto := c.manager.GetClient()
	if proto == nil {
		return nil, ErrNotAuthorized
	}
	return proto, nil
}

// API returns the raw tg.Client for direct API calls.
func (c *Client) API() (*tg.Client, error) {
	proto, err := c.getProto()
	if err != nil {
		return nil, err
	}
	return proto.API(), nil
}

// ResolveEntity resolves a username, t.me link or cached numeric id.
func (c *Client) ResolveEntity(ctx context.Context, ref string) (*RawEntity, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}

	name, id, isID := parseRef(ref)
	if isID {
		return c.resolveByID(ctx, api, id)
	}
	if name == "" {
		return nil, fmt.Errorf("resolve %q: %w", ref, ErrNotFound)
	}

	c.log.Debug().Str("username", name).Msg("telegram: resolving username")
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if err != nil {
		return nil, classifyError(OpResolve, err)
	}
	c.remember(resolved.Chats, resolved.Users)

	var wantID int64
	switch p := resolved.Peer.(type) {
	case *tg.PeerChannel:
		wantID = p.ChannelID
	case *tg.PeerChat:
		wantID = p.ChatID
	default:
		return nil, fmt.Errorf("resolve %s: not a channel or group: %w", name, ErrNotFound)
	}

	for _, chat := range resolved.Chats {
		if e, ok := convertChat(chat); ok && e.ID == wantID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", name, ErrNotFound)
}

func (c *Client) resolveByID(ctx context.Context, api *tg.Client, id int64) (*RawEntity, error) {
	c.mu.RLock()
	hash, isChannel := c.channels[id]
	c.mu.RUnlock()

	var (
		res tg.MessagesChatsClass
		err error
	)
	switch {
	case isChannel:
		res, err = api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: id, AccessHash: hash},
		})
	default:
		// basic groups need no access hash; a channel id never seen in a
		// response cannot be resolved without one
		res, err = api.MessagesGetChats(ctx, []int64{id})
	}
	if err != nil {
		return nil, classifyError(OpResolve, err)
	}

	chats := chatsOf(res)
	c.remember(chats, nil)
	for _, chat := range chats {
		if e, ok := convertChat(chat); ok && e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("resolve id %d: %w", id, ErrNotFound)
}

// ResolveUser resolves a username to a user.
func (c *Client) ResolveUser(ctx context.Context, username string) (*RawUser, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}
	name, _, _ := parseRef(username)
	if name == "" {
		return nil, fmt.Errorf("resolve user %q: %w", username, ErrNotFound)
	}

	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if err != nil {
		return nil, classifyError(OpResolveUser, err)
	}
	c.remember(resolved.Chats, resolved.Users)

	peer, ok := resolved.Peer.(*tg.PeerUser)
	if !ok {
		return nil, fmt.Errorf("resolve user %s: not a user: %w", name, ErrNotFound)
	}
	for _, u := range resolved.Users {
		if ru, ok := convertUser(u); ok && ru.ID == peer.UserID {
			return &ru, nil
		}
	}
	return nil, fmt.Errorf("resolve user %s: %w", name, ErrNotFound)
}

// SearchEntities runs contacts.search and returns the channels and groups found.
func (c *Client) SearchEntities(ctx context.Context, term string, limit int) ([]RawEntity, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100 // telegram api limit
	}

	c.log.Info().Str("term", term).Int("limit", limit).Msg("telegram: calling ContactsSearch API")
	found, err := api.ContactsSearch(ctx, &tg.ContactsSearchRequest{Q: term, Limit: limit})
	if err != nil {
		return nil, classifyError(OpSearch, err)
	}
	c.remember(found.Chats, found.Users)

	seen := make(map[int64]bool)
	var out []RawEntity
	for _, chat := range found.Chats {
		e, ok := convertChat(chat)
		if !ok || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, *e)
	}
	return out, nil
}

// GetFullMetadata fetches about text, participant count, linked chat and invite link.
func (c *Client) GetFullMetadata(ctx context.Context, entity *RawEntity) (*FullMetadata, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}

	if entity.Flags.ChatLike {
		full, err := api.MessagesGetFullChat(ctx, entity.ID)
		if err != nil {
			return nil, classifyError(OpFullMetadata, err)
		}
		c.remember(full.Chats, full.Users)
		chFull, ok := full.FullChat.(*tg.ChatFull)
		if !ok {
			return nil, fmt.Errorf("get full chat %d: unexpected type %T", entity.ID, full.FullChat)
		}
		meta := &FullMetadata{About: chFull.About, ParticipantsCount: entity.MembersCount}
		if parts, ok := chFull.Participants.(*tg.ChatParticipants); ok {
			meta.ParticipantsCount = len(parts.Participants)
		}
		if inv, ok := chFull.GetExportedInvite(); ok {
			meta.InviteLink = inviteLink(inv)
		}
		return meta, nil
	}

	full, err := api.ChannelsGetFullChannel(ctx, inputChannel(entity))
	if err != nil {
		return nil, classifyError(OpFullMetadata, err)
	}
	c.remember(full.Chats, full.Users)

	chFull, ok := full.FullChat.(*tg.ChannelFull)
	if !ok {
		return nil, fmt.Errorf("get full channel %d: unexpected type %T", entity.ID, full.FullChat)
	}

	meta := &FullMetadata{About: chFull.About}
	if n, ok := chFull.GetParticipantsCount(); ok {
		meta.ParticipantsCount = n
	}
	if linked, ok := chFull.GetLinkedChatID(); ok {
		meta.LinkedChatID = linked
	}
	if inv, ok := chFull.GetExportedInvite(); ok {
		meta.InviteLink = inviteLink(inv)
	}
	return meta, nil
}

// ListParticipants lists one page of participants.
func (c *Client) ListParticipants(ctx context.Context, entity *RawEntity, filter ParticipantFilter, offset, limit int) ([]RawUser, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 200 // telegram api limit
	}

	if entity.Flags.ChatLike {
		return c.listChatParticipants(ctx, api, entity, filter, offset, limit)
	}

	res, err := api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: inputChannel(entity),
		Filter:  channelFilter(filter),
		Offset:  offset,
		Limit:   limit,
	})
	if err != nil {
		return nil, classifyError(OpParticipants, err)
	}

	parts, ok := res.(*tg.ChannelsChannelParticipants)
	if !ok {
		return nil, nil // not modified
	}
	c.remember(parts.Chats, parts.Users)
	users := userIndex(parts.Users)

	var out []RawUser
	for _, p := range parts.Participants {
		var (
			userID  int64
			isAdmin bool
		)
		switch v := p.(type) {
		case *tg.ChannelParticipant:
			userID = v.UserID
		case *tg.ChannelParticipantSelf:
			userID = v.UserID
		case *tg.ChannelParticipantCreator:
			userID, isAdmin = v.UserID, true
		case *tg.ChannelParticipantAdmin:
			userID, isAdmin = v.UserID, true
		default:
			continue // banned or left
		}
		u, ok := users[userID]
		if !ok {
			u = RawUser{ID: userID}
		}
		u.IsAdmin = isAdmin
		out = append(out, u)
	}
	return out, nil
}

// listChatParticipants serves basic groups, which return their full member
// list at once; paging and filtering happen locally.
func (c *Client) listChatParticipants(ctx context.Context, api *tg.Client, entity *RawEntity, filter ParticipantFilter, offset, limit int) ([]RawUser, error) {
	full, err := api.MessagesGetFullChat(ctx, entity.ID)
	if err != nil {
		return nil, classifyError(OpParticipants, err)
	}
	c.remember(full.Chats, full.Users)
	users := userIndex(full.Users)

	chFull, ok := full.FullChat.(*tg.ChatFull)
	if !ok {
		return nil, nil
	}
	parts, ok := chFull.Participants.(*tg.ChatParticipants)
	if !ok {
		return nil, fmt.Errorf("list chat %d participants: %w", entity.ID, ErrPrivateOrForbidden)
	}

	var all []RawUser
	for _, p := range parts.Participants {
		var (
			userID  int64
			isAdmin bool
		)
		switch v := p.(type) {
		case *tg.ChatParticipant:
			userID = v.UserID
		case *tg.ChatParticipantCreator:
			userID, isAdmin = v.UserID, true
		case *tg.ChatParticipantAdmin:
			userID, isAdmin = v.UserID, true
		default:
			continue
		}
		u, ok := users[userID]
		if !ok {
			u = RawUser{ID: userID}
		}
		u.IsAdmin = isAdmin
		if matchesFilter(u, filter) {
			all = append(all, u)
		}
	}

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// GetMessages fetches one page of history.
func (c *Client) GetMessages(ctx context.Context, entity *RawEntity, offsetID, limit int) ([]RawMessage, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	c.log.Debug().Int64("entity_id", entity.ID).Int("offset_id", offsetID).Int("limit", limit).Msg("telegram: calling MessagesGetHistory API")
	history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     inputPeer(entity),
		OffsetID: offsetID,
		Limit:    limit,
	})
	if err != nil {
		return nil, classifyError(OpMessages, err)
	}
	return c.extractMessages(history), nil
}

// GetReactors lists users who reacted to msgID.
func (c *Client) GetReactors(ctx context.Context, entity *RawEntity, msgID, limit int) ([]RawUser, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	list, err := api.MessagesGetMessageReactionsList(ctx, &tg.MessagesGetMessageReactionsListRequest{
		Peer:  inputPeer(entity),
		ID:    msgID,
		Limit: limit,
	})
	if err != nil {
		return nil, classifyError(OpReactors, err)
	}
	c.remember(list.Chats, list.Users)
	users := userIndex(list.Users)

	var out []RawUser
	for _, r := range list.Reactions {
		if pu, ok := r.PeerID.(*tg.PeerUser); ok {
			if u, ok := users[pu.UserID]; ok {
				out = append(out, u)
			} else {
				out = append(out, RawUser{ID: pu.UserID})
			}
		}
	}
	return out, nil
}

// GetReplies fetches the reply/comment thread of msgID.
func (c *Client) GetReplies(ctx context.Context, entity *RawEntity, msgID, limit int) ([]RawMessage, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	result, err := api.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
		Peer:  inputPeer(entity),
		MsgID: msgID,
		Limit: limit,
	})
	if err != nil {
		return nil, classifyError(OpReplies, err)
	}
	return c.extractMessages(result), nil
}

// JoinEntity joins a public channel or supergroup.
func (c *Client) JoinEntity(ctx context.Context, ref string) error {
	api, err := c.API()
	if err != nil {
		return err
	}
	entity, err := c.ResolveEntity(ctx, ref)
	if err != nil {
		return err
	}
	if entity.Flags.ChatLike {
		return fmt.Errorf("join %s: basic groups require an invite: %w", ref, ErrPrivateOrForbidden)
	}

	if _, err := api.ChannelsJoinChannel(ctx, inputChannel(entity)); err != nil {
		if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return nil
		}
		return classifyError(OpJoin, err)
	}
	return nil
}

// JoinByInvite imports a chat invite.
func (c *Client) JoinByInvite(ctx context.Context, link string) error {
	api, err := c.API()
	if err != nil {
		return err
	}
	hash := inviteHash(link)
	if hash == "" {
		return fmt.Errorf("join invite %q: %w", link, ErrNotFound)
	}

	if _, err := api.MessagesImportChatInvite(ctx, hash); err != nil {
		if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return nil
		}
		return classifyError(OpJoin, err)
	}
	return nil
}

// ListMemberships lists every channel and group the account is in.
func (c *Client) ListMemberships(ctx context.Context) ([]RawEntity, error) {
	api, err := c.API()
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetAllChats(ctx, nil)
	if err != nil {
		return nil, classifyError(OpMemberships, err)
	}
	chats := chatsOf(res)
	c.remember(chats, nil)

	var out []RawEntity
	for _, chat := range chats {
		if e, ok := convertChat(chat); ok && !e.Left {
			out = append(out, *e)
		}
	}
	return out, nil
}

// extractMessages converts a history response to RawMessages.
func (c *Client) extractMessages(messagesClass tg.MessagesMessagesClass) []RawMessage {
	var (
		msgs  []tg.MessageClass
		users []tg.UserClass
		chats []tg.ChatClass
	)
	switch h := messagesClass.(type) {
	case *tg.MessagesChannelMessages:
		msgs, users, chats = h.Messages, h.Users, h.Chats
	case *tg.MessagesMessagesSlice:
		msgs, users, chats = h.Messages, h.Users, h.Chats
	case *tg.MessagesMessages:
		msgs, users, chats = h.Messages, h.Users, h.Chats
	default:
		return nil
	}
	c.remember(chats, users)
	index := userIndex(users)

	out := make([]RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		if m, ok := msg.(*tg.Message); ok {
			out = append(out, parseMessage(m, index))
		}
	}
	return out
}

// remember caches access hashes of every peer in a response.
func (c *Client) remember(chats []tg.ChatClass, users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chat := range chats {
		switch v := chat.(type) {
		case *tg.Channel:
			c.channels[v.ID] = v.AccessHash
		case *tg.ChannelForbidden:
			c.channels[v.ID] = v.AccessHash
		}
	}
	for _, u := range users {
		if v, ok := u.(*tg.User); ok {
			c.users[v.ID] = v.AccessHash
		}
	}
}

func parseMessage(m *tg.Message, users map[int64]RawUser) RawMessage {
	out := RawMessage{
		ID:   m.ID,
		Date: time.Unix(int64(m.Date), 0),
		Text: m.Message,
	}

	lookup := func(peer tg.PeerClass) *RawUser {
		pu, ok := peer.(*tg.PeerUser)
		if !ok {
			return nil
		}
		if u, ok := users[pu.UserID]; ok {
			return &u
		}
		return &RawUser{ID: pu.UserID}
	}

	if from, ok := m.GetFromID(); ok {
		out.Sender = lookup(from)
	}
	if fwd, ok := m.GetFwdFrom(); ok {
		if from, ok := fwd.GetFromID(); ok {
			out.Forwarded = lookup(from)
		}
	}

	for _, ent := range m.Entities {
		switch v := ent.(type) {
		case *tg.MessageEntityMention:
			if name := utf16Slice(m.Message, v.Offset, v.Length); name != "" {
				out.Mentions = append(out.Mentions, strings.TrimPrefix(name, "@"))
			}
		case *tg.MessageEntityMentionName:
			if u, ok := users[v.UserID]; ok {
				out.MentionedUsers = append(out.MentionedUsers, u)
			} else {
				out.MentionedUsers = append(out.MentionedUsers, RawUser{ID: v.UserID})
			}
		}
	}

	if reactions, ok := m.GetReactions(); ok {
		for _, r := range reactions.Results {
			out.Reactions += r.Count
		}
		for _, r := range reactions.RecentReactions {
			if u := lookup(r.PeerID); u != nil {
				out.RecentReactors = append(out.RecentReactors, *u)
			}
		}
	}
	if replies, ok := m.GetReplies(); ok {
		out.Replies = replies.Replies
	}
	return out
}

func convertChat(chat tg.ChatClass) (*RawEntity, bool) {
	switch v := chat.(type) {
	case *tg.Channel:
		e := &RawEntity{
			ID:         v.ID,
			AccessHash: v.AccessHash,
			Username:   v.Username,
			Title:      v.Title,
			Flags: EntityFlags{
				Broadcast: v.Broadcast,
				Megagroup: v.Megagroup,
				Gigagroup: v.Gigagroup,
				Forum:     v.Forum,
			},
			Verified:   v.Verified,
			Restricted: v.Restricted,
			Left:       v.Left,
			Date:       time.Unix(int64(v.Date), 0),
		}
		if e.Username == "" {
			for _, u := range v.Usernames {
				if u.Active {
					e.Username = u.Username
					break
				}
			}
		}
		if n, ok := v.GetParticipantsCount(); ok {
			e.MembersCount = n
		}
		return e, true
	case *tg.ChannelForbidden:
		return &RawEntity{
			ID:         v.ID,
			AccessHash: v.AccessHash,
			Title:      v.Title,
			Flags:      EntityFlags{Broadcast: v.Broadcast, Megagroup: v.Megagroup},
			Restricted: true,
			Left:       true,
		}, true
	case *tg.Chat:
		return &RawEntity{
			ID:           v.ID,
			Title:        v.Title,
			Flags:        EntityFlags{ChatLike: true},
			MembersCount: v.ParticipantsCount,
			Left:         v.Left,
			Date:         time.Unix(int64(v.Date), 0),
		}, true
	case *tg.ChatForbidden:
		return &RawEntity{ID: v.ID, Title: v.Title, Flags: EntityFlags{ChatLike: true}, Left: true}, true
	}
	return nil, false
}

func convertUser(u tg.UserClass) (RawUser, bool) {
	v, ok := u.(*tg.User)
	if !ok {
		return RawUser{}, false
	}
	return RawUser{
		ID:         v.ID,
		AccessHash: v.AccessHash,
		Username:   v.Username,
		FirstName:  v.FirstName,
		LastName:   v.LastName,
		IsBot:      v.Bot,
	}, true
}

func userIndex(users []tg.UserClass) map[int64]RawUser {
	index := make(map[int64]RawUser, len(users))
	for _, u := range users {
		if ru, ok := convertUser(u); ok {
			index[ru.ID] = ru
		}
	}
	return index
}

func chatsOf(res tg.MessagesChatsClass) []tg.ChatClass {
	switch v := res.(type) {
	case *tg.MessagesChats:
		return v.Chats
	case *tg.MessagesChatsSlice:
		return v.Chats
	}
	return nil
}

func inputChannel(e *RawEntity) *tg.InputChannel {
	return &tg.InputChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
}

func inputPeer(e *RawEntity) tg.InputPeerClass {
	if e.Flags.ChatLike {
		return &tg.InputPeerChat{ChatID: e.ID}
	}
	return &tg.InputPeerChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
}

func channelFilter(f ParticipantFilter) tg.ChannelParticipantsFilterClass {
	switch f.Kind {
	case FilterAdmins:
		return &tg.ChannelParticipantsAdmins{}
	case FilterBots:
		return &tg.ChannelParticipantsBots{}
	case FilterSearch:
		return &tg.ChannelParticipantsSearch{Q: f.Query}
	default:
		return &tg.ChannelParticipantsRecent{}
	}
}

func matchesFilter(u RawUser, f ParticipantFilter) bool {
	switch f.Kind {
	case FilterAdmins:
		return u.IsAdmin
	case FilterBots:
		return u.IsBot
	case FilterSearch:
		q := strings.ToLower(f.Query)
		return strings.Contains(strings.ToLower(u.Username), q) ||
			strings.Contains(strings.ToLower(u.FirstName+" "+u.LastName), q)
	}
	return true
}

func inviteLink(inv tg.ExportedChatInviteClass) string {
	if v, ok := inv.(*tg.ChatInviteExported); ok {
		return v.Link
	}
	return ""
}

// parseRef normalizes "@name", "t.me/name", "https://t.me/name" and numeric
// ids (including the -100 channel prefix).
func parseRef(ref string) (name string, id int64, isID bool) {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://", "http://", "t.me/", "telegram.me/", "@"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	ref = strings.TrimSuffix(ref, "/")

	if n, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if n < 0 {
			n = -n
			if s := strconv.FormatInt(n, 10); strings.HasPrefix(s, "100") && len(s) > 3 {
				n, _ = strconv.ParseInt(s[3:], 10, 64)
			}
		}
		return "", n, true
	}
	return ref, 0, false
}

// inviteHash extracts the hash from t.me/+HASH or t.me/joinchat/HASH links.
func inviteHash(link string) string {
	link = strings.TrimSpace(link)
	for _, marker := range []string{"joinchat/", "/+", "+"} {
		if idx := strings.LastIndex(link, marker); idx >= 0 {
			return strings.TrimSuffix(link[idx+len(marker):], "/")
		}
	}
	return ""
}

// utf16Slice cuts text using UTF-16 offsets as reported by message entities.
func utf16Slice(text string, offset, length int) string {
	units := utf16.Encode([]rune(text))
	if offset < 0 || length <= 0 || offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}
