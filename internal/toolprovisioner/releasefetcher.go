package toolprovisioner

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/blendforge/blendforge/internal/logging"
)

// BlenderReleasesURL is the upstream directory index this fetcher scrapes,
// grounded on original_source's config.py BLENDER_RELEASES_URL.
const BlenderReleasesURL = "https://download.blender.org/release/"

var (
	majorVersionDirPattern = regexp.MustCompile(`^Blender(\d+\.\d+(?:\.\d+)?)/$`)
	releaseFilePattern     = regexp.MustCompile(`^blender-(\d+\.\d+\.\d+)-(.+)\.(zip|tar\.xz|dmg)$`)
	hashLinePattern        = regexp.MustCompile(`(?i)^([a-f0-9]{64})\s+(.+)$`)
)

// FetchBlenderReleases builds a ReleaseFetcher that scrapes
// download.blender.org's plain directory listings for every major version
// directory from 4.x upward (older majors are skipped), then every release
// archive and its published SHA256 hash file.
// Grounded on utils/blender_release_parser.py, translating its
// requests+BeautifulSoup walk into net/http plus golang.org/x/net/html.
func FetchBlenderReleases() ReleaseFetcher {
	return func() (ReleaseCatalog, error) {
		client := &http.Client{Timeout: 10 * time.Second}
		logger := logging.ComponentLogger(logging.ComponentToolProvisioner)

		links, err := fetchDirLinks(client, BlenderReleasesURL)
		if err != nil {
			return nil, fmt.Errorf("fetch release index: %w", err)
		}

		catalog := ReleaseCatalog{}
		for _, href := range links {
			m := majorVersionDirPattern.FindStringSubmatch(href)
			if m == nil {
				continue
			}
			if major, err := strconv.Atoi(strings.SplitN(m[1], ".", 2)[0]); err != nil || major < 4 {
				continue
			}

			dirURL, err := joinURL(BlenderReleasesURL, href)
			if err != nil {
				continue
			}
			if err := collectVersionDir(client, dirURL, catalog); err != nil {
				logger.Warn("skipping unreadable release directory", "url", dirURL, "error", err)
			}
		}
		return catalog, nil
	}
}

// collectVersionDir parses one major-version directory's listing for
// release archives, fetching each archive's published .sha256 file.
func collectVersionDir(client *http.Client, dirURL string, catalog ReleaseCatalog) error {
	links, err := fetchDirLinks(client, dirURL)
	if err != nil {
		return err
	}

	hashCache := map[string]map[string]string{}
	for _, href := range links {
		m := releaseFilePattern.FindStringSubmatch(href)
		if m == nil {
			continue
		}
		version, platformSuffix := m[1], m[2]
		if major, err := strconv.Atoi(strings.SplitN(version, ".", 2)[0]); err != nil || major < 4 {
			continue
		}

		fileURL, err := joinURL(dirURL, href)
		if err != nil {
			continue
		}

		hashFile := fmt.Sprintf("blender-%s.sha256", version)
		hashes, ok := hashCache[hashFile]
		if !ok {
			hashURL, err := joinURL(dirURL, hashFile)
			if err == nil {
				hashes = fetchHashes(client, hashURL)
			}
			hashCache[hashFile] = hashes
		}

		if catalog[version] == nil {
			catalog[version] = map[string]ReleaseInfo{}
		}
		catalog[version][platformSuffix] = ReleaseInfo{URL: fileURL, SHA256: hashes[href]}
	}
	return nil
}

// fetchHashes parses a blender-X.Y.Z.sha256 file's "<hash>  <filename>"
// lines into a filename->hash map.
func fetchHashes(client *http.Client, hashURL string) map[string]string {
	hashes := map[string]string{}
	resp, err := client.Get(hashURL)
	if err != nil {
		return hashes
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hashes
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return hashes
	}
	text := extractText(doc)
	for _, line := range strings.Split(text, "\n") {
		if m := hashLinePattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			hashes[strings.TrimSpace(m[2])] = strings.ToLower(m[1])
		}
	}
	return hashes
}

// fetchDirLinks fetches pageURL and returns every anchor href found on the
// page, mirroring fetch_page_soup()+find_all('a', href=True).
func fetchDirLinks(client *http.Client, pageURL string) ([]string, error) {
	resp, err := client.Get(pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					hrefs = append(hrefs, attr.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hrefs, nil
}

func extractText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString("\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func joinURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
