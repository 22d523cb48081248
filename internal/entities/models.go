package entities

// Trip is a recorded journey. Distance is in meters and times are unix milliseconds.
type Trip struct {
	UserID          UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID              EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	VehicleID       string   `gorm:"column:vehicle_id;size:190" json:"vehicleId"`
	TripType        string   `gorm:"column:trip_type;size:32" json:"tripType"`
	Notes           string   `gorm:"column:notes;type:text" json:"notes"`
	IsManual        bool     `gorm:"column:is_manual;not null;default:false" json:"isManual"`
	IsExcluded      bool     `gorm:"column:is_excluded;not null;default:false" json:"isExcluded"`
	Distance        int64    `gorm:"column:distance_m;not null;default:0" json:"distance"`
	Duration        int64    `gorm:"column:duration_s;not null;default:0" json:"duration"`
	StartTime       int64    `gorm:"column:start_time_ms;not null;default:0" json:"startTime"`
	EndTime         int64    `gorm:"column:end_time_ms;not null;default:0" json:"endTime"`
	StartAddress    string   `gorm:"column:start_address;size:512" json:"startAddress"`
	EndAddress      string   `gorm:"column:end_address;size:512" json:"endAddress"`
	RouteMatchCache string   `gorm:"column:route_match_cache;type:text" json:"routeMatchCache,omitempty"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (Trip) TableName() string {
	return "trips"
}

// Identity returns the owning user and row key.
func (m *Trip) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

// SetIdentity binds a decoded row to its owner and key.
func (m *Trip) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

// State exposes the embedded sync bookkeeping.
func (m *Trip) State() *SyncState {
	return &m.SyncState
}

// Vehicle is a car or bike trips are attributed to.
type Vehicle struct {
	UserID        UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID            EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name          string   `gorm:"column:name;size:190" json:"name"`
	Make          string   `gorm:"column:make;size:190" json:"make"`
	ModelName     string   `gorm:"column:model_name;size:190" json:"model"`
	LicensePlate  string   `gorm:"column:license_plate;size:32" json:"licensePlate"`
	FiscalPower   int64    `gorm:"column:fiscal_power;not null;default:0" json:"fiscalPower"`
	IsDefault     bool     `gorm:"column:is_default;not null;default:false" json:"isDefault"`
	IsArchived    bool     `gorm:"column:is_archived;not null;default:false" json:"isArchived"`
	TotalDistance int64    `gorm:"column:total_distance_m;not null;default:0" json:"totalDistance"`
	TripCount     int64    `gorm:"column:trip_count;not null;default:0" json:"tripCount"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (Vehicle) TableName() string {
	return "vehicles"
}

func (m *Vehicle) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *Vehicle) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *Vehicle) State() *SyncState {
	return &m.SyncState
}

// Expense is a cost booked against a trip. Amounts are in minor currency units.
type Expense struct {
	UserID      UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID          EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	TripID      string   `gorm:"column:trip_id;size:190" json:"tripId"`
	Category    string   `gorm:"column:category;size:64" json:"category"`
	AmountCents int64    `gorm:"column:amount_cents;not null;default:0" json:"amountCents"`
	Currency    string   `gorm:"column:currency;size:8" json:"currency"`
	SpentAt     int64    `gorm:"column:spent_at_ms;not null;default:0" json:"spentAt"`
	Notes       string   `gorm:"column:notes;type:text" json:"notes"`
	ReceiptURL  string   `gorm:"column:receipt_url;size:1024" json:"receiptUrl"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (Expense) TableName() string {
	return "expenses"
}

func (m *Expense) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *Expense) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *Expense) State() *SyncState {
	return &m.SyncState
}

// UserProfile holds the account owner's settings; its id equals the user id.
type UserProfile struct {
	UserID       UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID           EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	DisplayName  string   `gorm:"column:display_name;size:320" json:"displayName"`
	Email        string   `gorm:"column:email;size:320" json:"email"`
	Locale       string   `gorm:"column:locale;size:16" json:"locale"`
	DistanceUnit string   `gorm:"column:distance_unit;size:8" json:"distanceUnit"`
	HomeAddress  string   `gorm:"column:home_address;size:512" json:"homeAddress"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (UserProfile) TableName() string {
	return "user_profiles"
}

func (m *UserProfile) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *UserProfile) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *UserProfile) State() *SyncState {
	return &m.SyncState
}

// License is a pro-account seat that can be assigned to a user.
type License struct {
	UserID         UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID             EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	ProAccountID   string   `gorm:"column:pro_account_id;size:190" json:"proAccountId"`
	AssignedUserID string   `gorm:"column:assigned_user_id;size:190" json:"assignedUserId"`
	Status         string   `gorm:"column:status;size:32" json:"status"`
	ExpiresAt      int64    `gorm:"column:expires_at_ms;not null;default:0" json:"expiresAt"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (License) TableName() string {
	return "licenses"
}

func (m *License) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *License) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *License) State() *SyncState {
	return &m.SyncState
}

// ProAccount is the business subscription that owns licenses.
type ProAccount struct {
	UserID       UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID           EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	CompanyName  string   `gorm:"column:company_name;size:320" json:"companyName"`
	Plan         string   `gorm:"column:plan;size:64" json:"plan"`
	SeatCount    int64    `gorm:"column:seat_count;not null;default:0" json:"seatCount"`
	BillingEmail string   `gorm:"column:billing_email;size:320" json:"billingEmail"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (ProAccount) TableName() string {
	return "pro_accounts"
}

func (m *ProAccount) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *ProAccount) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *ProAccount) State() *SyncState {
	return &m.SyncState
}

// Consent records one privacy or terms acceptance.
type Consent struct {
	UserID    UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID        EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Kind      string   `gorm:"column:kind;size:64" json:"kind"`
	Granted   bool     `gorm:"column:granted;not null;default:false" json:"granted"`
	GrantedAt int64    `gorm:"column:granted_at_ms;not null;default:0" json:"grantedAt"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (Consent) TableName() string {
	return "consents"
}

func (m *Consent) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *Consent) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *Consent) State() *SyncState {
	return &m.SyncState
}

// WorkSchedule is one working-hours slot used to classify trips.
type WorkSchedule struct {
	UserID      UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID          EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	DayOfWeek   int64    `gorm:"column:day_of_week;not null;default:0" json:"dayOfWeek"`
	StartMinute int64    `gorm:"column:start_minute;not null;default:0" json:"startMinute"`
	EndMinute   int64    `gorm:"column:end_minute;not null;default:0" json:"endMinute"`
	Enabled     bool     `gorm:"column:enabled;not null;default:false" json:"enabled"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (WorkSchedule) TableName() string {
	return "work_schedules"
}

func (m *WorkSchedule) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *WorkSchedule) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *WorkSchedule) State() *SyncState {
	return &m.SyncState
}

// AutoTrackingSettings controls automatic trip detection for the user.
type AutoTrackingSettings struct {
	UserID        UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID            EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Enabled       bool     `gorm:"column:enabled;not null;default:false" json:"enabled"`
	DetectionMode string   `gorm:"column:detection_mode;size:32" json:"detectionMode"`
	MinDistance   int64    `gorm:"column:min_distance_m;not null;default:0" json:"minDistance"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (AutoTrackingSettings) TableName() string {
	return "auto_tracking_settings"
}

func (m *AutoTrackingSettings) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *AutoTrackingSettings) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *AutoTrackingSettings) State() *SyncState {
	return &m.SyncState
}

// CompanyLink ties the user to an employer account.
type CompanyLink struct {
	UserID             UserID   `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ID                 EntityID `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	CompanyID          string   `gorm:"column:company_id;size:190" json:"companyId"`
	Status             string   `gorm:"column:status;size:32" json:"status"`
	SharePersonalTrips bool     `gorm:"column:share_personal_trips;not null;default:false" json:"sharePersonalTrips"`
	LinkedAt           int64    `gorm:"column:linked_at_ms;not null;default:0" json:"linkedAt"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (CompanyLink) TableName() string {
	return "company_links"
}

func (m *CompanyLink) Identity() (UserID, EntityID) {
	return m.UserID, m.ID
}

func (m *CompanyLink) SetIdentity(userID UserID, entityID EntityID) {
	m.UserID = userID
	m.ID = entityID
}

func (m *CompanyLink) State() *SyncState {
	return &m.SyncState
}

// AllModels lists every synced model for schema migration.
func AllModels() []any {
	return []any{
		&UserProfile{},
		&ProAccount{},
		&CompanyLink{},
		&License{},
		&Vehicle{},
		&Trip{},
		&Expense{},
		&Consent{},
		&WorkSchedule{},
		&AutoTrackingSettings{},
	}
}
