package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/vaultd/pkg/index"
	"github.com/harun/vaultd/pkg/window"
)

func (s *Server) registerBuiltinMethods() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	str := func(name string) Param { return Param{Name: name, Type: "string", Required: true} }

	must(s.router.RegisterMethod("window.ready", s.handleWindowReady))
	must(s.router.RegisterMethod("window.loading", s.handleWindowLoading))
	must(s.router.RegisterMethod("window.close", s.handleWindowClose))
	must(s.router.RegisterMethod("vault.select", s.handleVaultSelect, str("directory")))
	must(s.router.RegisterMethod("vault.current", s.handleVaultCurrent))
	must(s.router.RegisterMethod("file.open", s.handleFileOpen, str("path")))
	must(s.router.RegisterMethod("file.openRelative", s.handleFileOpenRelative,
		str("path"), Param{Name: "content", Type: "string"}))
	must(s.router.RegisterMethod("file.changed", s.handleFileChanged, str("content")))
	must(s.router.RegisterMethod("file.save", s.handleFileSave))
	must(s.router.RegisterMethod("file.delete", s.handleFileDelete, str("path")))
	must(s.router.RegisterMethod("file.rename", s.handleFileRename, str("oldPath"), str("newPath")))
	must(s.router.RegisterMethod("directory.create", s.handleDirectoryCreate, str("name")))
	must(s.router.RegisterMethod("search.query", s.handleSearch,
		str("query"), Param{Name: "limit", Type: "integer"}))
}

// windowID is the id of the window the request came from.
func windowID(ctx context.Context) (string, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return "", &RPCError{Code: AuthenticationRequired, Message: "Authentication required"}
	}
	return client.ID, nil
}

func stringParam(params map[string]interface{}, name string) string {
	v, _ := params[name].(string)
	return v
}

func (s *Server) handleWindowReady(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	return nil, s.sessions.WindowReady(ctx, id)
}

func (s *Server) handleWindowLoading(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	return nil, s.sessions.WindowLoading(id)
}

// handleWindowClose tears the window down. The connection stays open until
// the client drops it, but it no longer owns a window.
func (s *Server) handleWindowClose(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	err = s.sessions.CloseWindow(ctx, id)
	if errors.Is(err, window.ErrUnknownWindow) {
		return nil, err
	}
	result := map[string]interface{}{"closed": true}
	if err != nil {
		result["error"] = err.Error()
	}
	return result, nil
}

func (s *Server) handleVaultSelect(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := s.sessions.SelectDirectory(ctx, id, stringParam(params, "directory"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"directory": dir}, nil
}

func (s *Server) handleVaultCurrent(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"directory": s.sessions.CurrentVault(id)}, nil
}

func (s *Server) handleFileOpen(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	return nil, s.sessions.OpenFile(ctx, id, stringParam(params, "path"))
}

func (s *Server) handleFileOpenRelative(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	path, err := s.sessions.OpenRelativePath(ctx, id, stringParam(params, "path"), stringParam(params, "content"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path}, nil
}

func (s *Server) handleFileChanged(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	return nil, s.sessions.ApplyEdit(id, stringParam(params, "content"))
}

func (s *Server) handleFileSave(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	return nil, s.sessions.Save(ctx, id)
}

func (s *Server) handleFileDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	path, err := s.sessions.ResolvePath(id, stringParam(params, "path"))
	if err != nil {
		return nil, err
	}
	if path == s.sessions.CurrentVault(id) {
		return nil, &RPCError{Code: InvalidParams, Message: "cannot delete the vault root"}
	}
	return nil, s.sessions.ExternalDelete(ctx, path, true)
}

func (s *Server) handleFileRename(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	oldPath, err := s.sessions.ResolvePath(id, stringParam(params, "oldPath"))
	if err != nil {
		return nil, err
	}
	newPath, err := s.sessions.ResolvePath(id, stringParam(params, "newPath"))
	if err != nil {
		return nil, err
	}
	if vault := s.sessions.CurrentVault(id); oldPath == vault || newPath == vault {
		return nil, &RPCError{Code: InvalidParams, Message: "cannot rename the vault root"}
	}
	if err := s.sessions.Rename(ctx, oldPath, newPath); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": newPath}, nil
}

func (s *Server) handleDirectoryCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := s.sessions.CreateDirectory(ctx, id, stringParam(params, "name"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"directory": dir}, nil
}

func (s *Server) handleSearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := windowID(ctx)
	if err != nil {
		return nil, err
	}
	limit := 0
	if v, ok := params["limit"].(float64); ok {
		limit = int(v)
	}
	if limit < 0 {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid limit: %d", limit)}
	}

	results, err := s.sessions.Search(ctx, id, stringParam(params, "query"), limit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []index.Result{}
	}
	return map[string]interface{}{"results": results}, nil
}
