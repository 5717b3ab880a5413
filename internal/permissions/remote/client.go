package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"yardops.org/internal/auth"
	"yardops.org/internal/permissions"
)

const serviceName = "yardops.permissions.v1.PermissionService"

// Client calls a remote permission service over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Subject names the user a check is evaluated for. Only callers holding
// permissions.manage may evaluate someone other than themselves.
type Subject struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	YardID       string `json:"yard_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

type CheckRequest struct {
	Module  string                     `json:"module"`
	Action  string                     `json:"action"`
	Record  map[string]any             `json:"record,omitempty"`
	Fields  []string                   `json:"fields,omitempty"`
	Subject *Subject                   `json:"subject,omitempty"`
	Context *permissions.AccessContext `json:"context,omitempty"`
}

type MaskResult struct {
	Record       map[string]any            `json:"record"`
	MaskedFields []permissions.MaskedField `json:"masked_fields"`
}

// Check asks the remote engine for a decision. The caller's bearer token is
// taken from ctx.
func (c *Client) Check(ctx context.Context, req CheckRequest) (permissions.Decision, error) {
	var d permissions.Decision
	if err := c.call(ctx, "Check", req, &d); err != nil {
		return permissions.Decision{}, err
	}
	return d, nil
}

// Mask returns record with the caller's masking rules for module applied.
func (c *Client) Mask(ctx context.Context, module string, record map[string]any) (MaskResult, error) {
	var out MaskResult
	in := struct {
		Module string         `json:"module"`
		Record map[string]any `json:"record"`
	}{module, record}
	if err := c.call(ctx, "Mask", in, &out); err != nil {
		return MaskResult{}, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return fmt.Errorf("%w: %v", permissions.ErrInvalidInput, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithToken(ctx), "/"+serviceName+"/"+method, req, resp); err != nil {
		return mapError(err)
	}
	raw, err := json.Marshal(resp.AsMap())
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// Helpers -----------------------------------------------------------------

func outgoingWithToken(ctx context.Context) context.Context {
	token, ok := auth.TokenFromContext(ctx)
	if !ok {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", permissions.ErrInvalidInput, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", permissions.ErrNotFound, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", permissions.ErrConflict, st.Message())
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %s", permissions.ErrUnauthorized, st.Message())
	default:
		return err
	}
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
