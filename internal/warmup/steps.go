package warmup

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Cache keys, shared with the screens that read them back
func FieldsKey(userID string) string        { return "fields_byUser_" + userID }
func TypeOfObjectsKey(userID string) string { return "type_of_objects_byUser_" + userID }
func VariablesKey(userID string) string     { return "variables_byUser_" + userID }
func PensKey(fieldID string) string         { return "pens_byField_" + fieldID + "_withObjects" }
func PenVariablesKey(typeID, penID string) string {
	return "pen_variables_type_of_object_" + typeID + "_" + penID
}

// DefaultSteps returns the measurement warm-up in dependency order
func DefaultSteps() []Step {
	return []Step{
		{Name: "fields", Run: fetchFields},
		{Name: "type_of_objects", Run: fetchTypeOfObjects},
		{Name: "variables", Run: fetchVariables},
		{Name: "pens", Run: fetchPens},
		{Name: "pen_variables", Run: fetchPenVariables},
	}
}

func fetchFields(ctx context.Context, s *Session) error {
	raw, err := s.FetchAndCache(ctx, "/fields/byUserId/"+url.PathEscape(s.UserID), FieldsKey(s.UserID))
	if err != nil {
		return err
	}
	s.FieldIDs, err = ids(raw)
	return err
}

func fetchTypeOfObjects(ctx context.Context, s *Session) error {
	raw, err := s.FetchAndCache(ctx, "/type-of-objects/byUser/"+url.PathEscape(s.UserID), TypeOfObjectsKey(s.UserID))
	if err != nil {
		return err
	}
	s.TypeObjectIDs, err = ids(raw)
	return err
}

func fetchVariables(ctx context.Context, s *Session) error {
	_, err := s.FetchAndCache(ctx, "/variables/byUser/"+url.PathEscape(s.UserID), VariablesKey(s.UserID))
	return err
}

func fetchPens(ctx context.Context, s *Session) error {
	var errs []error
	for _, fieldID := range s.FieldIDs {
		raw, err := s.FetchAndCache(ctx, "/pens/byField/"+url.PathEscape(fieldID)+"?withObjects=true", PensKey(fieldID))
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", fieldID, err))
			continue
		}
		pens, err := ids(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", fieldID, err))
			continue
		}
		s.PenIDs = append(s.PenIDs, pens...)
	}
	return errors.Join(errs...)
}

// fetchPenVariables caches every pen x type-of-object combination. Most
// combinations do not exist, so misses are expected and not reported.
func fetchPenVariables(ctx context.Context, s *Session) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for _, penID := range s.PenIDs {
		for _, typeID := range s.TypeObjectIDs {
			g.Go(func() error {
				path := fmt.Sprintf("/pens-variables-type-of-objects/type-of-object/%s/%s", url.PathEscape(typeID), url.PathEscape(penID))
				if _, err := s.FetchAndCache(gctx, path, PenVariablesKey(typeID, penID)); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.Debug().
						Str("pen", penID).
						Str("type_of_object", typeID).
						Err(err).
						Msg("No pen variables for combination")
				}
				return nil
			})
		}
	}
	return g.Wait()
}
