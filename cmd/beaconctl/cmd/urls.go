package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/endpoint"
)

var urlsConsent string

// candidateURL is one step of the failover order
type candidateURL struct {
	Cursor    int    `json:"cursor"`
	URL       string `json:"url"`
	Residency string `json:"residency,omitempty"`
}

type candidateList []candidateURL

func (l candidateList) String() string {
	var b strings.Builder
	for i, c := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d  %s", c.Cursor, c.URL)
		if c.Residency != "" {
			fmt.Fprintf(&b, "  (residency %s)", c.Residency)
		}
	}
	return b.String()
}

// urlsCmd represents the urls command
var urlsCmd = &cobra.Command{
	Use:   "urls [kind]",
	Short: "Show the URLs a package would be sent to",
	Long: `Show the candidate URLs for a package kind in failover order, as the
delivery queue would try them after consecutive failures.

Examples:
  beaconctl urls session
  beaconctl urls attribution --url-strategy india
  beaconctl urls event --url-strategy data_residency_eu --consent consent`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := activity.KindSession
		if len(args) == 1 {
			k, err := activity.ParseKind(args[0])
			if err != nil {
				return err
			}
			kind = k
		}
		consent, err := activity.ParseConsent(urlsConsent)
		if err != nil {
			return err
		}
		ec, err := endpointConfig()
		if err != nil {
			return err
		}
		list, err := candidateURLs(ec, kind, consent)
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), list)
		return nil
	},
}

// candidateURLs walks the strategy once through every domain
func candidateURLs(cfg endpoint.Config, kind activity.Kind, consent activity.Consent) (candidateList, error) {
	s, err := endpoint.New(cfg)
	if err != nil {
		return nil, err
	}
	pkg, err := activity.New(kind, consent, nil)
	if err != nil {
		return nil, err
	}

	var out candidateList
	for range s.Domains() {
		cursor := s.Cursor()
		u, sc := s.Resolve(kind, consent, endpoint.NewSendContext(pkg))
		out = append(out, candidateURL{Cursor: cursor, URL: u, Residency: sc.Params[endpoint.ResidencyParam]})
		if !s.ShouldRetryAfterFailure(kind) || s.Cursor() == 0 {
			break
		}
	}
	return out, nil
}

func init() {
	urlsCmd.Flags().StringVar(&urlsConsent, "consent", "analytics", "consent classification (analytics or consent)")
	rootCmd.AddCommand(urlsCmd)
}
