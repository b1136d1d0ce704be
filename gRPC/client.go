package rpc

import (
	"CustomDetServe/serve"
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call runs method with the given state. Failures come back as *serve.Failure.
func (c *Client) Call(ctx context.Context, method string, state map[string]any) (any, error) {
	name, ok := rpcNames[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	in, err := toStruct(state)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Value)
	var trailer metadata.MD
	err = c.conn.Invoke(ctx, "/"+ServiceName+"/"+name, in, out, grpc.Trailer(&trailer))
	if err != nil {
		if codes := trailer.Get(CodeKey); len(codes) > 0 {
			return nil, &serve.Failure{Message: status.Convert(err).Message(), Code: codes[0]}
		}
		return nil, err
	}
	return out.AsInterface(), nil
}

// toStruct goes through JSON so that typed slices and byte images take
// their wire form.
func toStruct(state map[string]any) (*structpb.Struct, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	plain := map[string]any{}
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, err
	}
	return structpb.NewStruct(plain)
}
