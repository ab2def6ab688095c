package record

// EventType enumerates the user actions the storefront emits.
type EventType string

const (
	EventView      EventType = "view"
	EventClick     EventType = "click"
	EventAddToCart EventType = "add_to_cart"
	EventPurchase  EventType = "purchase"
	EventSearch    EventType = "search"
	EventWishlist  EventType = "wishlist"
	EventReview    EventType = "review"
	EventShare     EventType = "share"
	EventCompare   EventType = "compare"
	EventCheckout  EventType = "checkout"
)

// Location is the coarse geo position attached to an event.
type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// Event matches the JSON wire format produced by the storefront tracker.
// It drives validation and the cache writes; the indexed document is the
// raw record, keyed by ID.
type Event struct {
	ID        string    `json:"id" validate:"required"`
	UserID    string    `json:"user_id" validate:"required"`
	SessionID string    `json:"session_id" validate:"required"`
	Timestamp string    `json:"timestamp" validate:"required"`
	EventType EventType `json:"event_type" validate:"required,oneof=view click add_to_cart purchase search wishlist review share compare checkout"`

	ProductID string  `json:"product_id,omitempty"`
	Category  string  `json:"category,omitempty"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
	Revenue   float64 `json:"revenue"`
	Currency  string  `json:"currency,omitempty"`

	UserAgent  string    `json:"user_agent,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty" validate:"omitempty,ip"`
	Location   *Location `json:"location,omitempty"`
	DeviceType string    `json:"device_type,omitempty"`
	Referrer   string    `json:"referrer,omitempty"`
	PageURL    string    `json:"page_url,omitempty"`

	// search
	SearchQuery        string `json:"search_query,omitempty"`
	SearchResultsCount *int   `json:"search_results_count,omitempty"`

	// review
	Rating     *int   `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	ReviewText string `json:"review_text,omitempty"`

	// purchase
	PaymentMethod   string   `json:"payment_method,omitempty"`
	DiscountApplied *bool    `json:"discount_applied,omitempty"`
	DiscountAmount  *float64 `json:"discount_amount,omitempty"`
}

// Dimensions is the package size of a product.
type Dimensions struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Product is a catalog entry. Optional numeric fields are pointers so an
// absent value can be told apart from zero when the cache summary applies
// its defaults.
type Product struct {
	ID            string      `json:"id" validate:"required"`
	Name          string      `json:"name" validate:"required"`
	Category      string      `json:"category" validate:"required"`
	Subcategory   string      `json:"subcategory,omitempty"`
	Price         *float64    `json:"price" validate:"required"`
	Currency      string      `json:"currency,omitempty"`
	Brand         string      `json:"brand" validate:"required"`
	Description   string      `json:"description,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	StockQuantity *int        `json:"stock_quantity,omitempty"`
	Weight        *float64    `json:"weight,omitempty"`
	Dimensions    *Dimensions `json:"dimensions,omitempty"`
	Rating        *float64    `json:"rating,omitempty"`
	ReviewCount   *int        `json:"review_count,omitempty"`
	CreatedAt     string      `json:"created_at,omitempty"`
	UpdatedAt     string      `json:"updated_at,omitempty"`
	IsActive      *bool       `json:"is_active,omitempty"`
	ImageURL      string      `json:"image_url,omitempty"`
}

// Entity names a record kind in reports and logs.
type Entity string

const (
	EntityEvent   Entity = "event"
	EntityProduct Entity = "product"
)
