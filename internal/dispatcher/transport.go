package dispatcher

import "context"

// Media is a photo to send: either a remote URL passed through to Telegram
// or a local file uploaded by the transport.
type Media struct {
	URL  string
	Path string
}

// AlbumItem is one photo of a media group.
type AlbumItem struct {
	Media   Media
	Caption string
}

// Transport opens bot sessions. Each delivery attempt uses its own session.
type Transport interface {
	Open(ctx context.Context) (Session, error)
}

// Session sends messages to a chat. Close releases the session's network
// resources and must be called once the attempt ends.
type Session interface {
	SendText(ctx context.Context, chatID, text string) error
	SendPhoto(ctx context.Context, chatID string, photo Media, caption string) error
	SendAlbum(ctx context.Context, chatID string, items []AlbumItem) error
	Close() error
}
