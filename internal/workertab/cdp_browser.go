package workertab

import "context"

// TargetClient is the CDP surface the manager needs.
type TargetClient interface {
	CreateBrowserContext(ctx context.Context) (string, error)
	DisposeBrowserContext(ctx context.Context, browserContextID string) error
	CreateTarget(ctx context.Context, url, browserContextID string) (string, error)
	CloseTarget(ctx context.Context, targetID string) error
}

// CDPBrowser implements Browser over a CDP client. With isolate unset,
// workers open in the default browser context and share its cookies; the
// group is then bookkeeping only.
type CDPBrowser struct {
	client  TargetClient
	isolate bool
}

func NewCDPBrowser(client TargetClient, isolate bool) *CDPBrowser {
	return &CDPBrowser{client: client, isolate: isolate}
}

func (b *CDPBrowser) NewGroup(ctx context.Context) (string, error) {
	if !b.isolate {
		return "", nil
	}
	return b.client.CreateBrowserContext(ctx)
}

func (b *CDPBrowser) DisposeGroup(ctx context.Context, browserContextID string) error {
	if browserContextID == "" {
		return nil
	}
	return b.client.DisposeBrowserContext(ctx, browserContextID)
}

func (b *CDPBrowser) OpenTab(ctx context.Context, url, browserContextID string) (string, error) {
	return b.client.CreateTarget(ctx, url, browserContextID)
}

func (b *CDPBrowser) CloseTab(ctx context.Context, targetID string) error {
	return b.client.CloseTarget(ctx, targetID)
}
