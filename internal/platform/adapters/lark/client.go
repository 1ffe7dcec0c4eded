package lark

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// Client is the Lark API surface the connector needs. Tests substitute
// a fake; production uses the SDK-backed apiClient.
type Client interface {
	CreateMessage(ctx context.Context, openID, msgType, content string) (messageID string, err error)
	UploadImage(ctx context.Context, image io.Reader) (imageKey string, err error)
	GetUser(ctx context.Context, openID string) (*larkcontact.User, error)
	ListChats(ctx context.Context, pageToken string, limit int) (chatIDs []string, nextToken string, err error)
	ListChatMessages(ctx context.Context, chatID string, since time.Time) ([]*larkim.Message, error)
}

type apiClient struct {
	client *lark.Client
}

// NewClient creates the production Client for the given credentials.
func NewClient(cfg Config) Client {
	return &apiClient{
		client: lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(cfg.openBaseURL())),
	}
}

func (c *apiClient) CreateMessage(ctx context.Context, openID, msgType, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeOpenId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(openID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := c.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("lark send failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", nil
	}
	return *resp.Data.MessageId, nil
}

func (c *apiClient) UploadImage(ctx context.Context, image io.Reader) (string, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(image).
			Build()).
		Build()
	resp, err := c.client.Im.V1.Image.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("lark image upload failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.Data == nil || resp.Data.ImageKey == nil {
		return "", fmt.Errorf("lark image upload returned no key")
	}
	return *resp.Data.ImageKey, nil
}

func (c *apiClient) GetUser(ctx context.Context, openID string) (*larkcontact.User, error) {
	req := larkcontact.NewGetUserReqBuilder().
		UserId(openID).
		UserIdType(larkcontact.UserIdTypeOpenId).
		Build()
	resp, err := c.client.Contact.V3.User.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("lark get user failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("lark get user returned no data")
	}
	return resp.Data.User, nil
}

func (c *apiClient) ListChats(ctx context.Context, pageToken string, limit int) ([]string, string, error) {
	builder := larkim.NewListChatReqBuilder().PageSize(limit)
	if pageToken != "" {
		builder = builder.PageToken(pageToken)
	}
	resp, err := c.client.Im.V1.Chat.List(ctx, builder.Build())
	if err != nil {
		return nil, "", err
	}
	if !resp.Success() {
		return nil, "", fmt.Errorf("lark list chats failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	chatIDs := make([]string, 0)
	nextToken := ""
	if resp.Data != nil {
		for _, chat := range resp.Data.Items {
			if chat.ChatId != nil {
				chatIDs = append(chatIDs, *chat.ChatId)
			}
		}
		if resp.Data.HasMore != nil && *resp.Data.HasMore && resp.Data.PageToken != nil {
			nextToken = *resp.Data.PageToken
		}
	}
	return chatIDs, nextToken, nil
}

func (c *apiClient) ListChatMessages(ctx context.Context, chatID string, since time.Time) ([]*larkim.Message, error) {
	items := make([]*larkim.Message, 0)
	pageToken := ""
	for {
		builder := larkim.NewListMessageReqBuilder().
			ContainerIdType("chat").
			ContainerId(chatID).
			PageSize(50)
		if !since.IsZero() {
			builder = builder.StartTime(fmt.Sprintf("%d", since.Unix()))
		}
		if pageToken != "" {
			builder = builder.PageToken(pageToken)
		}
		resp, err := c.client.Im.V1.Message.List(ctx, builder.Build())
		if err != nil {
			return nil, err
		}
		if !resp.Success() {
			return nil, fmt.Errorf("lark list messages failed: %s (code: %d)", resp.Msg, resp.Code)
		}
		if resp.Data == nil {
			return items, nil
		}
		items = append(items, resp.Data.Items...)
		if resp.Data.HasMore == nil || !*resp.Data.HasMore || resp.Data.PageToken == nil {
			return items, nil
		}
		pageToken = *resp.Data.PageToken
	}
}
