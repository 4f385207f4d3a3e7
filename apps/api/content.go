package main

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

//go:embed content/site.yaml
var defaultSiteContent []byte

type Testimonial struct {
	ID      string `yaml:"id" json:"id"`
	Img     string `yaml:"img" json:"img"`
	Name    string `yaml:"name" json:"name"`
	Title   string `yaml:"title" json:"title"`
	Content string `yaml:"content" json:"content"`
}

type Office struct {
	ID      string   `yaml:"id" json:"id"`
	Img     string   `yaml:"img" json:"img"`
	Title   string   `yaml:"title" json:"title"`
	Phones  []string `yaml:"phones" json:"phones"`
	Address string   `yaml:"address" json:"address"`
}

type Contact struct {
	ID    string `yaml:"id" json:"id"`
	Img   string `yaml:"img" json:"img"`
	Title string `yaml:"title" json:"title"`
	Data  string `yaml:"data" json:"data"`
}

type Course struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

type MapEmbed struct {
	Label    string `yaml:"label" json:"label"`
	EmbedURL string `yaml:"embed_url" json:"embedUrl"`
}

type SiteContent struct {
	Testimonials []Testimonial `yaml:"testimonials" json:"testimonials"`
	Offices      []Office      `yaml:"offices" json:"offices"`
	Contacts     []Contact     `yaml:"contacts" json:"contacts"`
	Courses      []Course      `yaml:"courses" json:"courses"`
	Map          MapEmbed      `yaml:"map" json:"map"`
}

var (
	contentCacheMu sync.RWMutex
	contentCache   SiteContent
)

func parseSiteContent(raw []byte) (SiteContent, error) {
	var content SiteContent
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&content); err != nil {
		return SiteContent{}, fmt.Errorf("parse site content: %w", err)
	}
	seen := make(map[string]struct{})
	for _, t := range content.Testimonials {
		if t.ID == "" {
			return SiteContent{}, fmt.Errorf("parse site content: testimonial without id")
		}
		if _, dup := seen[t.ID]; dup {
			return SiteContent{}, fmt.Errorf("parse site content: duplicate id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return content, nil
}

// InitContentCache loads the site content from path, or from the embedded
// default when path is empty.
func InitContentCache(path string) error {
	raw := defaultSiteContent
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read content file: %w", err)
		}
		raw = data
	}

	content, err := parseSiteContent(raw)
	if err != nil {
		return err
	}

	contentCacheMu.Lock()
	contentCache = content
	contentCacheMu.Unlock()
	return nil
}

// GetContentCache returns the cached content. Slices are shared and must not
// be modified by callers.
func GetContentCache() SiteContent {
	contentCacheMu.RLock()
	defer contentCacheMu.RUnlock()
	return contentCache
}

// handleGetSiteContent returns every static content array in one payload.
// Method: GET /api/v1/content
// Access: Public
func handleGetSiteContent(c *gin.Context) {
	c.JSON(http.StatusOK, GetContentCache())
}

func handleGetTestimonials(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": nonNil(GetContentCache().Testimonials)})
}

func handleGetOffices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": nonNil(GetContentCache().Offices)})
}

func handleGetContacts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": nonNil(GetContentCache().Contacts)})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
