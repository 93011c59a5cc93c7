// Package seed fills a development gateway with users, conversations and
// messages, either from a YAML fixture or generated with gofakeit. Everything
// goes through sqlgateway so row security and realtime events apply.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/gateway/sqlgateway"
	"chatsync/internal/observability"

	"github.com/brianvoe/gofakeit/v6"
	"gopkg.in/yaml.v3"
)

// DefaultPassword is used for fixture users that do not set one.
const DefaultPassword = "password123"

// User is one account in a fixture.
type User struct {
	Username    string `yaml:"username"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	DisplayName string `yaml:"display_name"`
	AvatarURL   string `yaml:"avatar_url"`
}

// Message is one message in a fixture conversation.
type Message struct {
	From string `yaml:"from"`
	Body string `yaml:"body"`
}

// Conversation is a direct or group conversation with its history.
// For direct conversations Members holds exactly two usernames.
type Conversation struct {
	Kind     string    `yaml:"kind"`
	Name     string    `yaml:"name"`
	Owner    string    `yaml:"owner"`
	Members  []string  `yaml:"members"`
	Messages []Message `yaml:"messages"`
}

// Fixture is the top-level YAML document.
type Fixture struct {
	Users         []User         `yaml:"users"`
	Conversations []Conversation `yaml:"conversations"`
}

// Result maps fixture names to the ids the gateway assigned.
type Result struct {
	Users         map[string]string
	Conversations []string
	Messages      int
}

// LoadFile reads a fixture from path.
func LoadFile(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML fixture.
func Parse(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	return f, f.Validate()
}

// Validate checks that every reference names a declared user.
func (f Fixture) Validate() error {
	known := make(map[string]bool, len(f.Users))
	for _, u := range f.Users {
		if u.Username == "" {
			return fmt.Errorf("fixture user without username")
		}
		if known[u.Username] {
			return fmt.Errorf("duplicate fixture user %q", u.Username)
		}
		known[u.Username] = true
	}
	for i, c := range f.Conversations {
		switch c.Kind {
		case "direct":
			if len(c.Members) != 2 {
				return fmt.Errorf("conversation %d: direct conversations need exactly two members", i)
			}
		case "group":
			if strings.TrimSpace(c.Name) == "" {
				return fmt.Errorf("conversation %d: group conversations need a name", i)
			}
		default:
			return fmt.Errorf("conversation %d: unknown kind %q", i, c.Kind)
		}
		members := make(map[string]bool, len(c.Members))
		for _, m := range c.Members {
			if !known[m] {
				return fmt.Errorf("conversation %d: unknown member %q", i, m)
			}
			members[m] = true
		}
		if c.Owner != "" && !members[c.Owner] {
			return fmt.Errorf("conversation %d: owner %q is not a member", i, c.Owner)
		}
		for _, m := range c.Messages {
			if !members[m.From] {
				return fmt.Errorf("conversation %d: message from non-member %q", i, m.From)
			}
		}
	}
	return nil
}

// Generate builds a random fixture. The same seed always yields the same fixture.
func Generate(seed int64, users, groups, messagesPer int) Fixture {
	faker := gofakeit.New(seed)
	var f Fixture

	seen := make(map[string]bool)
	for len(f.Users) < users {
		username := strings.ToLower(faker.Username()) + fmt.Sprint(faker.Number(10, 99))
		if seen[username] {
			continue
		}
		seen[username] = true
		f.Users = append(f.Users, User{
			Username:    username,
			Email:       username + "@example.com",
			Password:    DefaultPassword,
			DisplayName: faker.Name(),
			AvatarURL:   "https://i.pravatar.cc/150?u=" + faker.UUID(),
		})
	}
	if users < 2 {
		return f
	}

	messages := func(members []string) []Message {
		out := make([]Message, messagesPer)
		for i := range out {
			out[i] = Message{
				From: members[faker.Number(0, len(members)-1)],
				Body: faker.Sentence(faker.Number(3, 12)),
			}
		}
		return out
	}

	// Each user gets a direct conversation with the next one.
	pairs := len(f.Users)
	if pairs == 2 {
		pairs = 1
	}
	for i := 0; i < pairs; i++ {
		members := []string{f.Users[i].Username, f.Users[(i+1)%len(f.Users)].Username}
		f.Conversations = append(f.Conversations, Conversation{Kind: "direct", Members: members, Messages: messages(members)})
	}

	idx := make([]int, len(f.Users))
	for i := range idx {
		idx[i] = i
	}
	for g := 0; g < groups; g++ {
		faker.ShuffleInts(idx)
		members := make([]string, faker.Number(2, min(6, len(f.Users))))
		for i := range members {
			members[i] = f.Users[idx[i]].Username
		}
		f.Conversations = append(f.Conversations, Conversation{
			Kind:     "group",
			Name:     faker.Company(),
			Owner:    members[0],
			Members:  members,
			Messages: messages(members),
		})
	}
	return f
}

// Apply creates the fixture through gw. Users that already exist are signed
// in instead, so applying the same fixture twice only adds conversations
// that are missing and appends messages.
func Apply(ctx context.Context, gw *sqlgateway.Gateway, f Fixture) (Result, error) {
	if err := f.Validate(); err != nil {
		return Result{}, err
	}
	res := Result{Users: make(map[string]string, len(f.Users))}

	for _, u := range f.Users {
		id, err := ensureUser(ctx, gw, u)
		if err != nil {
			return res, fmt.Errorf("user %s: %w", u.Username, err)
		}
		res.Users[u.Username] = id
	}

	for i, c := range f.Conversations {
		convID, err := createConversation(ctx, gw, res.Users, c)
		if err != nil {
			return res, fmt.Errorf("conversation %d: %w", i, err)
		}
		res.Conversations = append(res.Conversations, convID)

		for _, m := range c.Messages {
			sender := res.Users[m.From]
			if _, err := gw.As(sender).Insert(ctx, chatstore.TableMessages, gateway.Row{
				"conversation_id": convID,
				"body":            m.Body,
			}); err != nil {
				return res, fmt.Errorf("conversation %d: message from %s: %w", i, m.From, err)
			}
			res.Messages++
		}
	}

	observability.GlobalLogger.InfoContext(ctx, "seed applied",
		"users", len(res.Users), "conversations", len(res.Conversations), "messages", res.Messages)
	return res, nil
}

func ensureUser(ctx context.Context, gw *sqlgateway.Gateway, u User) (string, error) {
	email := u.Email
	if email == "" {
		email = u.Username + "@example.com"
	}
	password := u.Password
	if password == "" {
		password = DefaultPassword
	}

	profile, err := gw.SignUp(ctx, sqlgateway.SignUpRequest{
		Email:       email,
		Password:    password,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	})
	if gateway.IsKind(err, gateway.Conflict) {
		profile, err = gw.Authenticate(ctx, email, password)
	}
	if err != nil {
		return "", err
	}
	return profile.ID, nil
}

func createConversation(ctx context.Context, gw *sqlgateway.Gateway, ids map[string]string, c Conversation) (string, error) {
	owner := c.Owner
	if owner == "" {
		owner = c.Members[0]
	}
	client := gw.As(ids[owner])

	var (
		out any
		err error
	)
	switch c.Kind {
	case "direct":
		other := c.Members[0]
		if other == owner {
			other = c.Members[1]
		}
		out, err = client.RPC(ctx, chatstore.RPCGetOrCreateDirect, gateway.Row{"other_user_id": ids[other]})
	default:
		var members []string
		for _, m := range c.Members {
			if m != owner {
				members = append(members, ids[m])
			}
		}
		out, err = client.RPC(ctx, chatstore.RPCCreateGroup, gateway.Row{"name": c.Name, "member_ids": members})
	}
	if err != nil {
		return "", err
	}
	id, _ := out.(string)
	if id == "" {
		return "", fmt.Errorf("gateway returned no conversation id")
	}
	return id, nil
}
