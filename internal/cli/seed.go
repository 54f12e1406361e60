package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"flashoffer-dispatch/internal/database"
	"flashoffer-dispatch/internal/models"
)

// Fixture is a YAML description of venues, offers and users for local runs.
type Fixture struct {
	Venues []FixtureVenue `yaml:"venues"`
	Offers []FixtureOffer `yaml:"offers"`
	Users  []FixtureUser  `yaml:"users"`
}

type FixtureVenue struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
	Tier      string   `yaml:"tier"`
}

// FixtureOffer times default to now and now plus Duration.
type FixtureOffer struct {
	ID            string        `yaml:"id"`
	VenueID       string        `yaml:"venue_id"`
	Title         string        `yaml:"title"`
	Description   string        `yaml:"description"`
	RadiusMiles   float64       `yaml:"radius_miles"`
	FavoritesOnly bool          `yaml:"favorites_only"`
	MaxClaims     int           `yaml:"max_claims"`
	StartTime     *time.Time    `yaml:"start_time"`
	Duration      time.Duration `yaml:"duration"`
}

type FixtureUser struct {
	ID         string             `yaml:"id"`
	Latitude   *float64           `yaml:"latitude"`
	Longitude  *float64           `yaml:"longitude"`
	Favorites  []string           `yaml:"favorites"`
	Tokens     []FixtureToken     `yaml:"tokens"`
	Preference *FixturePreference `yaml:"preference"`
}

type FixtureToken struct {
	Token    string `yaml:"token"`
	Platform string `yaml:"platform"`
}

type FixturePreference struct {
	Enabled          *bool    `yaml:"enabled"`
	QuietHoursStart  string   `yaml:"quiet_hours_start"`
	QuietHoursEnd    string   `yaml:"quiet_hours_end"`
	Timezone         string   `yaml:"timezone"`
	MaxDistanceMiles *float64 `yaml:"max_distance_miles"`
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return &fx, nil
}

// Apply writes the fixture and returns the ids of the offers it created.
func (fx *Fixture) Apply(ctx context.Context, db *database.DB, now time.Time) ([]string, error) {
	for _, v := range fx.Venues {
		if err := db.UpsertVenue(ctx, models.Venue{
			ID:               v.ID,
			Name:             v.Name,
			Latitude:         v.Latitude,
			Longitude:        v.Longitude,
			SubscriptionTier: models.SubscriptionTier(v.Tier),
		}); err != nil {
			return nil, fmt.Errorf("venue %s: %w", v.ID, err)
		}
	}

	offerIDs := make([]string, 0, len(fx.Offers))
	for _, o := range fx.Offers {
		id := o.ID
		if id == "" {
			id = uuid.NewString()
		}
		start := now
		if o.StartTime != nil {
			start = *o.StartTime
		}
		duration := o.Duration
		if duration <= 0 {
			duration = 2 * time.Hour
		}
		if err := db.UpsertOffer(ctx, models.FlashOffer{
			ID:                  id,
			VenueID:             o.VenueID,
			Title:               o.Title,
			Description:         o.Description,
			MaxClaims:           o.MaxClaims,
			StartTime:           start,
			EndTime:             start.Add(duration),
			RadiusMiles:         o.RadiusMiles,
			TargetFavoritesOnly: o.FavoritesOnly,
			CreatedAt:           now,
		}); err != nil {
			return nil, fmt.Errorf("offer %s: %w", id, err)
		}
		offerIDs = append(offerIDs, id)
	}

	for _, u := range fx.Users {
		if err := applyUser(ctx, db, u, now); err != nil {
			return nil, fmt.Errorf("user %s: %w", u.ID, err)
		}
	}
	return offerIDs, nil
}

func applyUser(ctx context.Context, db *database.DB, u FixtureUser, now time.Time) error {
	if u.Latitude != nil && u.Longitude != nil {
		if err := db.UpsertUserLocation(ctx, models.UserLocation{
			UserID: u.ID, Latitude: *u.Latitude, Longitude: *u.Longitude, UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	for _, venueID := range u.Favorites {
		if err := db.AddFavorite(ctx, u.ID, venueID); err != nil {
			return err
		}
	}

	tokens := make([]models.DeviceToken, 0, len(u.Tokens))
	for _, t := range u.Tokens {
		tokens = append(tokens, models.DeviceToken{
			ID:       uuid.NewString(),
			UserID:   u.ID,
			Token:    t.Token,
			Platform: models.Platform(t.Platform),
			IsActive: true,
		})
	}
	if _, err := db.InsertDeviceTokens(ctx, tokens); err != nil {
		return err
	}

	if p := u.Preference; p != nil {
		pref := models.DefaultPreference(u.ID)
		if p.Enabled != nil {
			pref.FlashOffersEnabled = *p.Enabled
		}
		pref.QuietHoursStart = p.QuietHoursStart
		pref.QuietHoursEnd = p.QuietHoursEnd
		pref.Timezone = p.Timezone
		pref.MaxDistanceMiles = p.MaxDistanceMiles
		if err := db.UpsertPreference(ctx, pref); err != nil {
			return err
		}
	}
	return nil
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a YAML fixture into the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fx, err := LoadFixture(file)
			if err != nil {
				return err
			}

			a, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := fx.Apply(cmd.Context(), a.db, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d venue(s), %d user(s)\n", len(fx.Venues), len(fx.Users))
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "offer %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "fixture file")
	cmd.MarkFlagRequired("file")

	return cmd
}
