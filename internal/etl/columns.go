package etl

// Folded header aliases accepted for each field. The first non-empty
// column in list order wins.
var (
	idColumns       = []string{"id", "official_id", "pointid", "idiip", "id_iip", "lokalnyid", "identyfikator"}
	tercColumns     = []string{"terc", "teryt", "kod_terc"}
	simcColumns     = []string{"simc", "kod_simc"}
	ulicColumns     = []string{"ulic", "kod_ulic", "sym_ul"}
	buildingColumns = []string{"building_no", "numer", "nr", "numerporzadkowy", "numer_porzadkowy"}
	localColumns    = []string{"unit_no", "local_no", "lokal", "nr_lokalu"}
	latColumns      = []string{"lat", "latitude", "szerokosc"}
	lonColumns      = []string{"lon", "lng", "longitude", "dlugosc"}
	xColumns        = []string{"x", "x_2180", "wsp_x"}
	yColumns        = []string{"y", "y_2180", "wsp_y"}
	recordColumns   = []string{"rekord", "raw", "record", "raw_record"}
	placeColumns    = []string{"miejscowosc", "place", "place_name"}
	streetColumns   = []string{"ulica", "street", "street_name"}
)
